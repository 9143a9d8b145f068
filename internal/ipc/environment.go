package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/workspace/remote-server/internal/sysinfo"
)

// EnvironmentChannelName is the channel describing the remote machine.
const EnvironmentChannelName = "remoteextensionsenvironment"

// EnvironmentData describes the server to a client.
type EnvironmentData struct {
	Pid             int       `json:"pid"`
	OS              string    `json:"os"`
	Arch            string    `json:"arch"`
	Hostname        string    `json:"hostname"`
	ConnectionToken string    `json:"connectionToken"`
	StartTime       time.Time `json:"startTime"`
}

// DiagnosticInfo is the getDiagnosticInfo result.
type DiagnosticInfo struct {
	Uptime string               `json:"uptime"`
	Host   *sysinfo.HostMetrics `json:"host,omitempty"`
}

// HostMetricsSource supplies host load figures.
type HostMetricsSource interface {
	Collect() (*sysinfo.HostMetrics, error)
}

// EnvironmentChannel answers getEnvironmentData and getDiagnosticInfo.
type EnvironmentChannel struct {
	StartTime time.Time
	Host      HostMetricsSource // optional
}

func (e *EnvironmentChannel) Call(_ context.Context, client *Client, command string, _ json.RawMessage) (any, error) {
	switch command {
	case "getEnvironmentData":
		return e.environmentData(client), nil
	case "getDiagnosticInfo":
		return e.diagnosticInfo()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func (e *EnvironmentChannel) diagnosticInfo() (DiagnosticInfo, error) {
	info := DiagnosticInfo{Uptime: time.Since(e.StartTime).Round(time.Second).String()}
	if e.Host == nil {
		return info, nil
	}
	m, err := e.Host.Collect()
	if err != nil {
		return DiagnosticInfo{}, fmt.Errorf("collect host metrics: %w", err)
	}
	info.Host = m
	return info, nil
}

func (e *EnvironmentChannel) environmentData(client *Client) EnvironmentData {
	hostname, _ := os.Hostname()
	return EnvironmentData{
		Pid:             os.Getpid(),
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		Hostname:        hostname,
		ConnectionToken: client.Token(),
		StartTime:       e.StartTime,
	}
}
