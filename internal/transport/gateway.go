package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// gatewayClient is the production Client. It dials the protocol gateway over
// WebSocket, identifies itself with a hello frame (carrying the resumption
// snapshot when one exists), and translates gateway frames into Handlers
// callbacks. Outbound sends and lookups are correlated with their replies by
// request ID.
type gatewayClient struct {
	cfg      Config
	records  RecordStore
	handlers Handlers

	initOnce  sync.Once
	closeOnce sync.Once

	mu        sync.Mutex
	conn      net.Conn
	reader    io.Reader
	connected bool
	closed    bool
	pending   map[string]chan interface{} // request ID -> reply frame

	writeMu sync.Mutex

	saveMu   sync.Mutex
	lastSave time.Time
	unsaved  []byte // latest snapshot not yet written to the record store
}

// NewGatewayClient creates a Client speaking the gateway wire protocol.
// Zero durations in cfg are filled from DefaultConfig.
func NewGatewayClient(cfg Config, records RecordStore, handlers Handlers) Client {
	def := DefaultConfig()
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = def.SaveInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}

	return &gatewayClient{
		cfg:      cfg,
		records:  records,
		handlers: handlers,
		pending:  make(map[string]chan interface{}),
	}
}

// Initialize begins the asynchronous connect. Subsequent calls are no-ops.
func (c *gatewayClient) Initialize() {
	c.initOnce.Do(func() {
		go c.connect()
	})
}

// connect dials the gateway, sends the hello frame, and runs the read loop.
// Any failure surfaces as a disconnect event so the session observes it the
// same way as a protocol-side drop.
func (c *gatewayClient) connect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	dialer := ws.Dialer{Timeout: c.cfg.DialTimeout}
	conn, br, _, err := dialer.Dial(ctx, c.cfg.GatewayURL)
	if err != nil {
		log.Printf("[gateway] dial failed client=%s: %v", c.cfg.ClientID, err)
		c.reportDisconnect(fmt.Sprintf("dial failed: %v", err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	// The dialer may have buffered frames past the handshake; they must be
	// consumed before reading from the connection directly.
	if br != nil {
		c.reader = io.MultiReader(br, conn)
	} else {
		c.reader = conn
	}
	c.mu.Unlock()

	hello := HelloFrame{ClientID: c.cfg.ClientID, Resume: c.cfg.Resume}
	if err := c.writeFrame(TypeHello, hello); err != nil {
		log.Printf("[gateway] hello failed client=%s: %v", c.cfg.ClientID, err)
		c.reportDisconnect(fmt.Sprintf("hello failed: %v", err))
		conn.Close()
		return
	}

	c.readLoop()
}

// readLoop reads gateway frames until the connection drops or the client is
// closed. It runs on the goroutine started by Initialize. Control frames are
// handled here, not by wsutil, so their replies share the locked write path
// with outbound frames instead of racing them on the connection.
func (c *gatewayClient) readLoop() {
	c.mu.Lock()
	r := c.reader
	c.mu.Unlock()
	if r == nil {
		return
	}

	rd := wsutil.NewReader(r, ws.StateClientSide)
	var (
		msg []byte
		op  ws.OpCode
	)
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			c.readFailed(err)
			return
		}

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				c.readFailed(err)
				return
			}
			continue
		}

		if hdr.OpCode != ws.OpContinuation {
			op = hdr.OpCode
			msg = msg[:0]
		}
		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(rd, payload); err != nil {
			c.readFailed(err)
			return
		}
		msg = append(msg, payload...)
		if !hdr.Fin {
			continue
		}

		if op == ws.OpText {
			c.handleFrame(msg)
		}
	}
}

// handleControl answers one control frame. Pongs go out under the same write
// mutex as data frames; a keepalive arriving during a concurrent send must
// not interleave bytes on the wire.
func (c *gatewayClient) handleControl(hdr ws.Header, rd io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeControl(ws.NewPongFrame(payload))
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		return fmt.Errorf("closed by gateway: %d %s", code, reason)
	}
	return nil
}

// readFailed reports a broken read as a disconnect unless the client itself
// initiated the close.
func (c *gatewayClient) readFailed(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	log.Printf("[gateway] read error client=%s: %v", c.cfg.ClientID, err)
	c.reportDisconnect(fmt.Sprintf("read error: %v", err))
}

// handleFrame routes one inbound frame to the matching handler or pending
// request channel.
func (c *gatewayClient) handleFrame(data []byte) {
	frameType, msg, err := ParseGatewayMessage(data)
	if err != nil {
		log.Printf("[gateway] bad frame client=%s: %v", c.cfg.ClientID, err)
		return
	}

	switch frameType {
	case TypeQR:
		f := msg.(QRFrame)
		if c.handlers.PairingCode != nil {
			c.handlers.PairingCode(f.Payload)
		}

	case TypeAuthOK:
		if c.handlers.Authenticated != nil {
			c.handlers.Authenticated()
		}

	case TypeReady:
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		if c.handlers.Ready != nil {
			c.handlers.Ready()
		}

	case TypeAuthFailure:
		f := msg.(AuthFailureFrame)
		if c.handlers.AuthFailure != nil {
			c.handlers.AuthFailure(f.Reason)
		}

	case TypeDisconnected:
		f := msg.(DisconnectedFrame)
		c.reportDisconnect(f.Reason)

	case TypeState:
		f := msg.(StateFrame)
		c.handleState(f.Data)

	case TypeAck:
		f := msg.(AckFrame)
		c.resolvePending(f.ID, f)

	case TypeContact:
		f := msg.(ContactFrame)
		c.resolvePending(f.ID, f)
	}
}

// reportDisconnect marks the client disconnected, fails all in-flight
// requests, and fires the Disconnected handler. A dial failure counts as a
// disconnect too, so the session observes every terminal transport outcome
// the same way.
func (c *gatewayClient) reportDisconnect(reason string) {
	c.mu.Lock()
	c.connected = false
	waiters := c.pending
	c.pending = make(map[string]chan interface{})
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	if c.handlers.Disconnected != nil {
		c.handlers.Disconnected(reason)
	}
}

// handleState stashes the latest snapshot and persists it if the minimum
// save interval has elapsed. The gateway may emit state frames on every
// internal change; the interval keeps write amplification bounded.
func (c *gatewayClient) handleState(data []byte) {
	c.saveMu.Lock()
	c.unsaved = data
	due := time.Since(c.lastSave) >= c.cfg.SaveInterval
	if due {
		c.lastSave = time.Now()
		c.unsaved = nil
	}
	c.saveMu.Unlock()

	if !due {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.records.Save(ctx, c.cfg.ClientID, data); err != nil {
		log.Printf("[gateway] snapshot save failed client=%s: %v", c.cfg.ClientID, err)
		// Put it back so the next flush retries.
		c.saveMu.Lock()
		if c.unsaved == nil {
			c.unsaved = data
		}
		c.saveMu.Unlock()
	}
}

// FlushState persists the latest stashed snapshot immediately, bypassing the
// minimum save interval. No-op when nothing is pending.
func (c *gatewayClient) FlushState(ctx context.Context) error {
	c.saveMu.Lock()
	data := c.unsaved
	c.unsaved = nil
	c.lastSave = time.Now()
	c.saveMu.Unlock()

	if data == nil {
		return nil
	}
	if err := c.records.Save(ctx, c.cfg.ClientID, data); err != nil {
		c.saveMu.Lock()
		if c.unsaved == nil {
			c.unsaved = data
		}
		c.saveMu.Unlock()
		return fmt.Errorf("transport: flush snapshot: %w", err)
	}
	return nil
}

// SendMessage writes a send frame and waits for the gateway's ack.
func (c *gatewayClient) SendMessage(ctx context.Context, to, body string) error {
	id := uuid.New().String()
	reply, err := c.request(ctx, id, TypeSend, SendFrame{ID: id, To: to, Body: body})
	if err != nil {
		return err
	}

	ack, ok := reply.(AckFrame)
	if !ok {
		return fmt.Errorf("transport: unexpected reply %T to send", reply)
	}
	if ack.Error != "" {
		if ack.Code == AckCodeRecipientNotFound {
			return fmt.Errorf("%w: %s", ErrRecipientNotFound, to)
		}
		return fmt.Errorf("transport: send failed: %s", ack.Error)
	}
	return nil
}

// LookupContact resolves a contact by protocol ID through the gateway.
func (c *gatewayClient) LookupContact(ctx context.Context, id string) (*Contact, error) {
	reqID := uuid.New().String()
	reply, err := c.request(ctx, reqID, TypeLookup, LookupFrame{ID: reqID, ContactID: id})
	if err != nil {
		return nil, err
	}

	cf, ok := reply.(ContactFrame)
	if !ok {
		return nil, fmt.Errorf("transport: unexpected reply %T to lookup", reply)
	}
	if !cf.Found {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, id)
	}
	contact := cf.Contact
	return &contact, nil
}

// request writes a correlated frame and waits for its reply, the context, or
// the ack timeout, whichever comes first.
func (c *gatewayClient) request(ctx context.Context, id, frameType string, payload interface{}) (interface{}, error) {
	c.mu.Lock()
	if !c.connected || c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := make(chan interface{}, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeFrame(frameType, payload); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("transport: write %s frame: %w", frameType, err)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("transport: no reply to %s within %s", frameType, c.cfg.AckTimeout)
	}
}

// resolvePending delivers a reply frame to the goroutine waiting on it.
func (c *gatewayClient) resolvePending(id string, reply interface{}) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		ch <- reply
	}
}

// dropPending abandons a request that will never get a usable reply.
func (c *gatewayClient) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// writeFrame serializes and writes one frame under the write mutex so
// concurrent senders do not interleave bytes.
func (c *gatewayClient) writeFrame(frameType string, payload interface{}) error {
	data, err := NewGatewayFrame(frameType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// writeControl writes one masked control frame under the write mutex.
func (c *gatewayClient) writeControl(frame ws.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return ws.WriteFrame(conn, ws.MaskFrameInPlace(frame))
}

// Close flushes the latest snapshot best-effort and releases the connection.
func (c *gatewayClient) Close(ctx context.Context) error {
	var flushErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.connected = false
		conn := c.conn
		waiters := c.pending
		c.pending = make(map[string]chan interface{})
		c.mu.Unlock()

		for _, ch := range waiters {
			close(ch)
		}

		flushErr = c.FlushState(ctx)
		if flushErr != nil && !errors.Is(flushErr, context.Canceled) {
			log.Printf("[gateway] close flush client=%s: %v", c.cfg.ClientID, flushErr)
		}

		if conn != nil {
			conn.Close()
		}
	})
	return flushErr
}
