package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"buildcraft.ai/internal/protocol"
	"buildcraft.ai/internal/sim/model"
)

var (
	ErrNotConnected = errors.New("not connected to relay")
	ErrBackpressure = errors.New("relay send queue full")
	ErrClientClosed = errors.New("relay client closed")
)

// RelayError is an ERROR frame received in place of WELCOME.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string { return fmt.Sprintf("relay: %s: %s", e.Code, e.Message) }

type ClientConfig struct {
	URL      string
	Room     string
	Name     string
	ClientID string
	OutQueue int

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// Client is one peer's connection to a relay room. It reconnects with
// exponential backoff and re-joins under the same client id; every join
// produces a fresh WELCOME.
type Client struct {
	cfg    ClientConfig
	log    zerolog.Logger
	dialer *websocket.Dialer

	onMessage func([]byte)
	onWelcome func(protocol.WelcomeMsg)
	onConn    func(bool)

	mu        sync.Mutex
	id        string
	link      *link
	roomState map[string]model.BuildObject

	connected atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

type link struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.OutQueue <= 0 {
		cfg.OutQueue = 256
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 250 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 10 * time.Second
	}
	id := cfg.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	return &Client{
		cfg:       cfg,
		log:       log.With().Str("component", "relay_client").Str("room", cfg.Room).Logger(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		id:        id,
		roomState: map[string]model.BuildObject{},
		closed:    make(chan struct{}),
	}
}

// OnMessage registers the handler for every frame after WELCOME. It runs on
// the read goroutine and may block to apply backpressure.
func (c *Client) OnMessage(fn func([]byte)) { c.onMessage = fn }

func (c *Client) OnWelcome(fn func(protocol.WelcomeMsg)) { c.onWelcome = fn }

func (c *Client) OnConnectionChange(fn func(connected bool)) { c.onConn = fn }

func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) Connected() bool { return c.connected.Load() }

// RoomState is the object map from the most recent WELCOME.
func (c *Client) RoomState() map[string]model.BuildObject {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.BuildObject, len(c.roomState))
	for k, v := range c.roomState {
		out[k] = v.Clone()
	}
	return out
}

// Initialize performs the first join and returns its WELCOME.
func (c *Client) Initialize(ctx context.Context) (protocol.WelcomeMsg, error) {
	select {
	case <-c.closed:
		return protocol.WelcomeMsg{}, ErrClientClosed
	default:
	}
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) (protocol.WelcomeMsg, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return protocol.WelcomeMsg{}, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Room:            c.cfg.Room,
		ClientName:      c.cfg.Name,
		ClientID:        c.ClientID(),
	}
	if err := writeJSON(conn, hello); err != nil {
		_ = conn.Close()
		return protocol.WelcomeMsg{}, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return protocol.WelcomeMsg{}, fmt.Errorf("await welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	base, err := protocol.DecodeBase(raw)
	if err != nil {
		_ = conn.Close()
		return protocol.WelcomeMsg{}, fmt.Errorf("await welcome: %w", err)
	}
	switch base.Type {
	case protocol.TypeWelcome:
	case protocol.TypeError:
		var em protocol.ErrorMsg
		_ = json.Unmarshal(raw, &em)
		_ = conn.Close()
		return protocol.WelcomeMsg{}, &RelayError{Code: em.Code, Message: em.Message}
	default:
		_ = conn.Close()
		return protocol.WelcomeMsg{}, fmt.Errorf("await welcome: unexpected %q", base.Type)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(raw, &w); err != nil {
		_ = conn.Close()
		return protocol.WelcomeMsg{}, fmt.Errorf("decode welcome: %w", err)
	}

	l := &link{conn: conn, out: make(chan []byte, c.cfg.OutQueue), done: make(chan struct{})}
	go c.writeLoop(l)

	c.mu.Lock()
	if c.link != nil {
		c.link.close()
	}
	c.link = l
	c.id = w.ClientID
	c.roomState = w.RoomState
	if c.roomState == nil {
		c.roomState = map[string]model.BuildObject{}
	}
	c.mu.Unlock()

	c.connected.Store(true)
	c.log.Info().Str("client_id", w.ClientID).Int("peers", len(w.Peers)).Int("objects", len(w.RoomState)).Msg("joined room")
	if c.onWelcome != nil {
		c.onWelcome(w)
	}
	if c.onConn != nil {
		c.onConn(true)
	}
	return w, nil
}

func (c *Client) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case b := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				l.close()
				return
			}
		}
	}
}

// Publish queues one frame for the relay. It never blocks.
func (c *Client) Publish(raw []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	select {
	case <-l.done:
		return ErrNotConnected
	case l.out <- raw:
		return nil
	default:
		return ErrBackpressure
	}
}

// Run reads frames until ctx ends or Close is called, reconnecting after
// every connection loss. Initialize must have succeeded first.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		l := c.link
		c.mu.Unlock()
		if l == nil {
			return ErrNotConnected
		}

		err := c.readLoop(ctx, l)
		l.close()
		if c.connected.Swap(false) && c.onConn != nil {
			c.onConn(false)
		}

		select {
		case <-c.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.log.Warn().Err(err).Msg("relay connection lost")

		if err := c.reconnect(ctx); err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			return err
		}
	}
}

func (c *Client) readLoop(ctx context.Context, l *link) error {
	stop := context.AfterFunc(ctx, l.close)
	defer stop()
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.onMessage != nil {
			c.onMessage(raw)
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.ReconnectInitial
	exp.MaxInterval = c.cfg.ReconnectMax
	exp.MaxElapsedTime = 0
	exp.Reset()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	op := func() error {
		_, err := c.connect(ctx)
		var re *RelayError
		if errors.As(err, &re) && re.Code == protocol.ErrProtoBadRequest {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Info().Err(err).Dur("retry_in", wait).Msg("reconnecting")
	}
	return backoff.RetryNotify(op, backoff.WithContext(exp, ctx), notify)
}

// Close ends the connection and stops Run.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.link != nil {
			c.link.close()
		}
		c.mu.Unlock()
	})
	return nil
}
