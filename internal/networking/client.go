package networking

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type ClientOptions struct {
	// Timeout bounds every Request. Zero means DefaultRequestTimeout.
	Timeout time.Duration
	Dialer  *websocket.Dialer
	Header  http.Header
}

// Client speaks the signalling protocol to a Gateway.
//
// Requests are correlated to their acknowledgments by ID. A reply that arrives
// after its request timed out is dropped.
type Client struct {
	logger  *slog.Logger
	ws      *websocket.Conn
	timeout time.Duration

	nextID atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan json.RawMessage

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a channel to the gateway at url.
//
// If no logger is given, slog.Default() is used.
func Dial(ctx context.Context, url string, options ClientOptions, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultRequestTimeout
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, _, err := dialer.DialContext(ctx, url, options.Header)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:  logger.With("url", url),
		ws:      ws,
		timeout: options.Timeout,
		pending: make(map[uint64]chan json.RawMessage),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Request sends event with payload and decodes the acknowledgment into reply.
// A nil reply discards the acknowledgment body.
func (c *Client) Request(ctx context.Context, event string, payload any, reply any) error {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = encoded
	}

	id := c.nextID.Add(1)
	replies := make(chan json.RawMessage, 1)

	c.mu.Lock()
	c.pending[id] = replies
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Envelope{ID: id, Event: event, Data: data}); err != nil {
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case body := <-replies:
		if reply == nil || len(body) == 0 {
			return nil
		}
		return json.Unmarshal(body, reply)
	case <-timer.C:
		return &TimeoutError{Event: event, Timeout: c.timeout}
	case <-c.closed:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends event without waiting for an acknowledgment.
func (c *Client) Notify(event string, payload any) error {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		data = encoded
	}
	return c.write(Envelope{Event: event, Data: data})
}

func (c *Client) write(envelope Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	return c.ws.WriteJSON(envelope)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		var envelope Envelope
		if err := c.ws.ReadJSON(&envelope); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("signalling client read stopped", "err", err)
			}
			return
		}
		if !envelope.Ack {
			c.logger.Debug("ignoring unsolicited frame", "event", envelope.Event)
			continue
		}

		c.mu.Lock()
		replies, ok := c.pending[envelope.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping late reply", "id", envelope.ID)
			continue
		}
		replies <- envelope.Data
	}
}

// Close shuts the channel down. Pending requests fail with ErrClientClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
