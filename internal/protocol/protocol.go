package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrClosed is returned once the protocol has been disposed or the peer disconnected.
	ErrClosed = errors.New("protocol closed")
	// ErrSocketClosed is returned by RecvControl when the socket ends mid-handshake.
	ErrSocketClosed = errors.New("socket closed")
	// ErrMalformedFrame is passed to the socket close handler when the peer
	// sent bytes that cannot be parsed.
	ErrMalformedFrame = errors.New("malformed frame")
)

// ackDelay is how long a received regular message may wait for a piggybacked ack
// before an explicit Ack frame is sent.
const ackDelay = 200 * time.Millisecond

// SocketCloseHandler is called when the socket currently bound to a protocol ends.
type SocketCloseHandler func(sock Socket, err error)

// Protocol is a persistent message channel. Regular messages are numbered and
// kept until the peer acknowledges them, so they can be replayed on a new
// socket after a reconnect. Messages that arrive before anyone calls Recv
// are queued.
type Protocol struct {
	mu sync.Mutex

	socket     Socket
	socketDead bool
	reader     Decoder
	stop       chan struct{}
	stopped    chan struct{}

	reconnecting bool
	disposed     bool

	outgoingID  uint32
	unacked     []Message
	incomingID  uint32
	lastAckSent uint32
	ackTimer    *time.Timer

	inbox        [][]byte
	inboxReady   chan struct{}
	control      [][]byte
	controlReady chan struct{}

	onSocketClose SocketCloseHandler

	ended     chan struct{}
	endOnce   sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// New starts a protocol reading from sock.
func New(sock Socket) *Protocol {
	p := &Protocol{
		socket:       sock,
		inboxReady:   make(chan struct{}, 1),
		controlReady: make(chan struct{}, 1),
		ended:        make(chan struct{}),
		closed:       make(chan struct{}),
	}
	p.startReadingLocked()
	return p
}

// Socket returns the socket the protocol is currently bound to.
func (p *Protocol) Socket() Socket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socket
}

// SetSocketCloseHandler registers fn to run whenever the bound socket ends.
// It is not called for sockets replaced by BeginAcceptReconnection.
func (p *Protocol) SetSocketCloseHandler(fn SocketCloseHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSocketClose = fn
}

// Closed is closed when the peer sends a Disconnect frame.
func (p *Protocol) Closed() <-chan struct{} {
	return p.closed
}

// Send queues data as a regular message and writes it if a socket is bound.
func (p *Protocol) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrClosed
	}
	p.outgoingID++
	msg := Message{Type: MessageRegular, ID: p.outgoingID, Data: data}
	p.unacked = append(p.unacked, msg)
	// A failed write is recovered by replay after the next reconnect.
	_ = p.writeLocked(msg)
	return nil
}

// SendControl writes v as a JSON control message. Control messages are not replayed.
func (p *Protocol) SendControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrClosed
	}
	return p.writeLocked(Message{Type: MessageControl, Data: data})
}

// SendDisconnect tells the peer the session is over. Best effort.
func (p *Protocol) SendDisconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.writeLocked(Message{Type: MessageDisconnect})
}

// Recv returns the next regular message, in order.
func (p *Protocol) Recv(ctx context.Context) ([]byte, error) {
	return p.dequeue(ctx, &p.inbox, p.inboxReady, false)
}

// RecvControl returns the next control message. It fails with ErrSocketClosed
// if the bound socket ends while nothing is queued.
func (p *Protocol) RecvControl(ctx context.Context) ([]byte, error) {
	return p.dequeue(ctx, &p.control, p.controlReady, true)
}

func (p *Protocol) dequeue(ctx context.Context, queue *[][]byte, ready chan struct{}, failOnSocketEnd bool) ([]byte, error) {
	for {
		p.mu.Lock()
		if len(*queue) > 0 {
			data := (*queue)[0]
			*queue = (*queue)[1:]
			p.mu.Unlock()
			return data, nil
		}
		if p.disposed || isClosed(p.closed) {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if failOnSocketEnd && p.socketDead {
			p.mu.Unlock()
			return nil, ErrSocketClosed
		}
		p.mu.Unlock()

		select {
		case <-ready:
		case <-p.ended:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReadEntireBuffer stops reading from the socket and returns the bytes that
// were received but not yet parsed into frames. Anything still unread on the
// socket stays there for the next owner.
func (p *Protocol) ReadEntireBuffer() []byte {
	p.stopReading()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reader.drain()
}

// BeginAcceptReconnection binds a new socket. initial holds bytes already
// read from it; they are parsed before anything else. Writes are held back
// until EndAcceptReconnection.
func (p *Protocol) BeginAcceptReconnection(sock Socket, initial []byte) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		_ = sock.Close()
		return
	}
	old := p.socket
	p.socket = sock
	p.socketDead = false
	p.reconnecting = true
	p.mu.Unlock()

	p.stopReading()
	if old != nil && old != sock {
		_ = old.Close()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.reader = Decoder{}
	if len(initial) > 0 {
		p.reader.Feed(initial)
		if err := p.processLocked(); err != nil {
			p.socketDead = true
			_ = sock.Close()
		}
	}
}

// EndAcceptReconnection re-announces what has been received, replays every
// unacknowledged regular message on the new socket and resumes reading.
func (p *Protocol) EndAcceptReconnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.reconnecting = false
	_ = p.writeLocked(Message{Type: MessageAck})
	p.replayLocked()
	p.startReadingLocked()
}

// Dispose releases the protocol without closing its socket.
func (p *Protocol) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	if p.ackTimer != nil {
		p.ackTimer.Stop()
		p.ackTimer = nil
	}
	p.mu.Unlock()

	p.endOnce.Do(func() { close(p.ended) })
	p.stopReading()
}

// startReadingLocked launches a consumer for the bound socket.
func (p *Protocol) startReadingLocked() {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	p.stop = stop
	p.stopped = stopped
	go p.consume(p.socket, stop, stopped)
}

// stopReading stops the current consumer and waits for it to exit.
func (p *Protocol) stopReading() {
	p.mu.Lock()
	stop, stopped := p.stop, p.stopped
	p.stop, p.stopped = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

func (p *Protocol) consume(sock Socket, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	data := sock.Data()
	for {
		select {
		case <-stop:
			return
		case chunk, ok := <-data:
			if !ok {
				p.socketEnded(sock, sock.Err())
				return
			}
			if err := p.receive(chunk); err != nil {
				_ = sock.Close()
				p.socketEnded(sock, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
				return
			}
		}
	}
}

func (p *Protocol) socketEnded(sock Socket, err error) {
	p.mu.Lock()
	if sock != p.socket || p.disposed {
		p.mu.Unlock()
		return
	}
	p.socketDead = true
	handler := p.onSocketClose
	p.mu.Unlock()

	notify(p.controlReady)
	if handler != nil {
		handler(sock, err)
	}
}

func (p *Protocol) receive(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reader.Feed(chunk)
	return p.processLocked()
}

func (p *Protocol) processLocked() error {
	for {
		msg, ok, err := p.reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		p.handleLocked(msg)
	}
}

func (p *Protocol) handleLocked(msg Message) {
	if msg.Ack > 0 {
		p.trimAckedLocked(msg.Ack)
	}
	switch msg.Type {
	case MessageRegular:
		if msg.ID <= p.incomingID {
			// Replayed after a reconnect; already delivered.
			return
		}
		if msg.ID != p.incomingID+1 {
			_ = p.writeLocked(Message{Type: MessageReplayRequest})
			return
		}
		p.incomingID = msg.ID
		p.inbox = append(p.inbox, msg.Data)
		notify(p.inboxReady)
		p.scheduleAckLocked()
	case MessageControl:
		p.control = append(p.control, msg.Data)
		notify(p.controlReady)
	case MessageDisconnect:
		p.closeOnce.Do(func() { close(p.closed) })
		p.endOnce.Do(func() { close(p.ended) })
	case MessageReplayRequest:
		p.replayLocked()
	case MessageAck, MessageKeepAlive:
	}
}

func (p *Protocol) trimAckedLocked(ack uint32) {
	i := 0
	for i < len(p.unacked) && p.unacked[i].ID <= ack {
		i++
	}
	if i > 0 {
		p.unacked = append([]Message(nil), p.unacked[i:]...)
	}
}

func (p *Protocol) replayLocked() {
	for _, msg := range p.unacked {
		_ = p.writeLocked(msg)
	}
}

func (p *Protocol) scheduleAckLocked() {
	if p.ackTimer != nil {
		return
	}
	p.ackTimer = time.AfterFunc(ackDelay, p.sendAck)
}

func (p *Protocol) sendAck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ackTimer = nil
	if p.disposed || p.incomingID == p.lastAckSent {
		return
	}
	_ = p.writeLocked(Message{Type: MessageAck})
}

// writeLocked stamps the current ack onto msg and writes it. While a
// reconnection is being accepted nothing is written; regular messages stay
// queued for replay.
func (p *Protocol) writeLocked(msg Message) error {
	if p.reconnecting || p.socket == nil {
		return nil
	}
	msg.Ack = p.incomingID
	p.lastAckSent = p.incomingID
	return p.socket.Write(msg.Encode())
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
