// Package protocol provides the persistent message protocol spoken over an
// upgraded session socket. A Protocol survives the loss of its underlying
// socket: it can adopt a new socket and replay every message the peer has
// not acknowledged.
package protocol

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is an ordered byte stream between the server and one client.
// Inbound bytes are delivered as chunks on Data(); the channel is closed
// when the transport ends. A paused socket stops reading from the transport
// without closing it, so its descriptor can be handed to another process.
type Socket interface {
	// Data delivers inbound chunks. Closed when the transport fails or ends.
	Data() <-chan []byte
	// Err reports why Data was closed.
	Err() error
	// Write sends p as one unit (one WebSocket message, or raw bytes).
	Write(p []byte) error
	// Pause stops reading from the transport and returns any bytes read
	// but not yet delivered.
	Pause() []byte
	// Close closes the transport.
	Close() error
	// NetConn returns the underlying network connection.
	NetConn() net.Conn
	// SkipFraming reports whether the stream is raw TCP rather than WebSocket frames.
	SkipFraming() bool
}

// chunkReader reads the next chunk from a transport.
type chunkReader func() ([]byte, error)

// pump owns the single goroutine that reads a transport and hands chunks
// to whichever consumer is currently attached.
type pump struct {
	read     chunkReader
	deadline func(time.Time) error

	data      chan []byte
	pauseCh   chan struct{}
	exited    chan struct{}
	startOnce sync.Once
	pauseOnce sync.Once

	mu      sync.Mutex
	started bool
	err     error
	held    []byte
}

func newPump(read chunkReader, deadline func(time.Time) error) *pump {
	return &pump{
		read:     read,
		deadline: deadline,
		data:     make(chan []byte),
		pauseCh:  make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

func (p *pump) Data() <-chan []byte {
	p.startOnce.Do(func() {
		p.mu.Lock()
		p.started = true
		p.mu.Unlock()
		go p.loop()
	})
	return p.data
}

func (p *pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pump) loop() {
	defer close(p.exited)
	for {
		chunk, err := p.read()
		if len(chunk) > 0 {
			select {
			case p.data <- chunk:
			case <-p.pauseCh:
				p.mu.Lock()
				p.held = append(p.held, chunk...)
				p.mu.Unlock()
				return
			}
		}
		if err != nil {
			select {
			case <-p.pauseCh:
				return
			default:
			}
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			close(p.data)
			return
		}
	}
}

func (p *pump) Pause() []byte {
	p.pauseOnce.Do(func() {
		close(p.pauseCh)
		// A pump paused before its first use never starts.
		p.startOnce.Do(func() {})
		p.mu.Lock()
		started := p.started
		p.mu.Unlock()
		if started {
			// Unblock a pending read; the transport stays open.
			_ = p.deadline(time.Now())
			<-p.exited
		}
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.held
	p.held = nil
	return held
}

// WebSocket is a Socket carried in binary WebSocket messages.
type WebSocket struct {
	*pump
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebSocket wraps an upgraded gorilla/websocket connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	s := &WebSocket{conn: conn}
	s.pump = newPump(s.readMessage, conn.SetReadDeadline)
	return s
}

func (s *WebSocket) readMessage() ([]byte, error) {
	for {
		msgType, r, err := s.conn.NextReader()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		b, err := io.ReadAll(r)
		if len(b) == 0 && err == nil {
			continue
		}
		return b, err
	}
}

func (s *WebSocket) Write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (s *WebSocket) Close() error {
	return s.conn.Close()
}

func (s *WebSocket) NetConn() net.Conn {
	return s.conn.NetConn()
}

func (s *WebSocket) SkipFraming() bool {
	return false
}

// RawSocket is a Socket over a hijacked TCP connection with no WebSocket framing.
type RawSocket struct {
	*pump
	conn    net.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

// rawReadSize is the read buffer used for each chunk on a raw socket.
const rawReadSize = 32 * 1024

// NewRawSocket wraps conn. br may hold bytes read during the HTTP upgrade;
// they are delivered before anything read from conn.
func NewRawSocket(conn net.Conn, br *bufio.Reader) *RawSocket {
	s := &RawSocket{conn: conn, reader: conn}
	if br != nil {
		s.reader = br
	}
	s.pump = newPump(s.readChunk, conn.SetReadDeadline)
	return s
}

func (s *RawSocket) readChunk() ([]byte, error) {
	buf := make([]byte, rawReadSize)
	n, err := s.reader.Read(buf)
	return buf[:n], err
}

func (s *RawSocket) Write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(p)
	return err
}

func (s *RawSocket) Close() error {
	return s.conn.Close()
}

func (s *RawSocket) NetConn() net.Conn {
	return s.conn
}

func (s *RawSocket) SkipFraming() bool {
	return true
}
