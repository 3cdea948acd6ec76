package networking

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/pkg/signalling"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type GatewayConfig struct {
	// PingPeriod is how often keepalive pings are sent. The peer must answer
	// within twice this period or the channel is dropped.
	PingPeriod time.Duration

	WriteTimeout time.Duration

	// ReadLimit caps the size of one incoming frame in bytes.
	ReadLimit int64

	// CheckOrigin is handed to the websocket upgrader. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		PingPeriod:   20 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadLimit:    1 << 20,
	}
}

// Gateway serves the signalling protocol over websockets.
//
// Every incoming request is handled on its own goroutine so a slow request
// never blocks the channel. Requests are served with the gateway's context,
// not the channel's: a client giving up on a request, or disconnecting, does
// not cancel the work already started for it. The dispatcher hears about a
// disconnect only once every request of the channel has returned.
type Gateway struct {
	logger     *slog.Logger
	dispatcher Dispatcher
	config     GatewayConfig
	upgrader   websocket.Upgrader

	ctx           context.Context
	ctxCancelFunc context.CancelFunc

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

// Create a new Gateway.
//
// If no logger is given, slog.Default() is used.
func NewGateway(dispatcher Dispatcher, config GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultGatewayConfig()
	if config.PingPeriod <= 0 {
		config.PingPeriod = defaults.PingPeriod
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = defaults.ReadLimit
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		logger:        logger,
		dispatcher:    dispatcher,
		config:        config,
		upgrader:      websocket.Upgrader{CheckOrigin: checkOrigin},
		ctx:           ctx,
		ctxCancelFunc: cancel,
		conns:         make(map[*serverConn]struct{}),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("error while upgrading signalling connection", "err", err, "remoteAddr", r.RemoteAddr)
		return
	}

	peer := signalling.NewPeerIdentifier(r.RemoteAddr)
	c := &serverConn{
		gateway: g,
		ws:      ws,
		peer:    peer,
		logger:  g.logger.With("peer", peer.String(), "remoteAddr", peer.RemoteAddr),
		closed:  make(chan struct{}),
	}

	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()

	c.logger.Info("signalling channel opened")
	go c.pingLoop()
	c.readLoop()

	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()

	c.close()
	c.inflight.Wait()
	g.dispatcher.OnDisconnect(peer)
	c.logger.Info("signalling channel closed")
}

// Connections counts open channels.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close drops every channel and cancels in-flight requests.
func (g *Gateway) Close() {
	g.ctxCancelFunc()

	g.mu.Lock()
	conns := make([]*serverConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// --------------------------------------------------------------------------------

type serverConn struct {
	gateway *Gateway
	ws      *websocket.Conn
	peer    signalling.PeerIdentifier
	logger  *slog.Logger

	writeMu  sync.Mutex
	inflight sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

func (c *serverConn) readLoop() {
	config := c.gateway.config
	c.ws.SetReadLimit(config.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(2 * config.PingPeriod))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * config.PingPeriod))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("signalling channel read failed", "err", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(2 * config.PingPeriod))

		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.logger.Error("error while decoding signalling frame", "err", err, "frame", string(message))
			continue
		}
		if envelope.Ack || envelope.Event == "" {
			c.logger.Debug("ignoring frame without request", "id", envelope.ID)
			continue
		}

		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			c.handle(envelope)
		}()
	}
}

func (c *serverConn) handle(envelope Envelope) {
	requestLogger := c.logger.WithGroup("request").With(
		"requestUUID", uuid.New().String(),
		"event", envelope.Event,
		"id", envelope.ID,
	)
	requestLogger.Debug("new signalling request")

	ctx := c.gateway.ctx
	response := c.gateway.dispatcher.HandleRequest(ctx, c.peer, envelope.Event, envelope.Data)

	if envelope.ID != 0 {
		data, err := json.Marshal(response.Reply)
		if err != nil {
			requestLogger.Error("error while encoding reply", "err", err)
			data, _ = json.Marshal(signalling.NewFailureReply(signalling.ErrorKindInternal))
		}
		if err := c.write(Envelope{ID: envelope.ID, Ack: true, Data: data}); err != nil {
			requestLogger.Debug("reply could not be delivered", "err", err)
		} else {
			requestLogger.Debug("request fulfilled")
		}
	}

	if response.After != nil {
		response.After(ctx)
	}
}

func (c *serverConn) write(envelope Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}

	c.ws.SetWriteDeadline(time.Now().Add(c.gateway.config.WriteTimeout))
	return c.ws.WriteJSON(envelope)
}

func (c *serverConn) pingLoop() {
	ticker := time.NewTicker(c.gateway.config.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.gateway.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("error while sending keepalive ping", "err", err)
				return
			}
		}
	}
}
