package protocol

import (
	"io"
	"sync"
)

// Tunnel detaches the socket from the protocol and returns it as a plain byte
// stream. Bytes received but not yet parsed are returned first. The protocol
// is disposed; closing the stream closes the socket.
func (p *Protocol) Tunnel() io.ReadWriteCloser {
	pending := p.ReadEntireBuffer()
	sock := p.Socket()
	p.Dispose()
	return &tunnelStream{sock: sock, pending: pending, data: sock.Data()}
}

type tunnelStream struct {
	sock    Socket
	data    <-chan []byte
	pending []byte

	mu        sync.Mutex
	closeOnce sync.Once
}

func (t *tunnelStream) Read(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		chunk, ok := <-t.data
		if !ok {
			if err := t.sock.Err(); err != nil && !isEOF(err) {
				return 0, err
			}
			return 0, io.EOF
		}
		t.pending = chunk
	}
	n := copy(b, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *tunnelStream) Write(b []byte) (int, error) {
	if err := t.sock.Write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (t *tunnelStream) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.sock.Close() })
	return err
}

func isEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
