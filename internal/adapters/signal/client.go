// Package signal is the websocket signaling transport used by the mesh.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
	ErrHeartbeat    = errors.New("heartbeat timeout")
)

// Frame kinds the server uses besides the negotiation messages.
const (
	kindJoin       = "join"
	kindLeave      = "leave"
	kindPeerJoined = string(domain.PresenceJoined)
	kindPeerLeft   = string(domain.PresenceLeft)
	kindPing       = "ping"
	kindPong       = "pong"
)

const maxFrameSize = 64 << 10

type Config struct {
	URL  string
	Room domain.RoomName
	Self domain.PeerID

	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// MissedPongs closes the connection after that many unanswered pings.
	MissedPongs int
}

func (c *Config) defaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.MissedPongs <= 0 {
		c.MissedPongs = 3
	}
}

type envelope struct {
	Kind string          `json:"kind"`
	From domain.PeerID   `json:"from,omitempty"`
	Peer domain.PeerID   `json:"peer,omitempty"`
	Room domain.RoomName `json:"room,omitempty"`
}

// Client implements core.SignalingTransport over one websocket connection.
type Client struct {
	cfg    Config
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool

	hmu        sync.RWMutex
	onMessage  func(core.Message)
	onPresence func(domain.Presence)

	lastPong atomic.Int64
}

// Dial connects to the signaling server and queues the join frame.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.defaults()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	ws.SetReadLimit(maxFrameSize)

	c := &Client{
		cfg:  cfg,
		conn: ws,
		send: make(chan []byte, cfg.SendBuffer),
		logger: log.With().
			Str("module", "signal").
			Str("self", string(cfg.Self)).
			Str("room", string(cfg.Room)).
			Logger(),
	}
	c.lastPong.Store(time.Now().UnixNano())
	if err := c.sendJSON(envelope{Kind: kindJoin, From: cfg.Self, Room: cfg.Room}); err != nil {
		_ = ws.Close()
		return nil, err
	}
	c.logger.Info().Str("url", cfg.URL).Msg("signaling connected")
	return c, nil
}

func (c *Client) OnMessage(fn func(core.Message)) {
	c.hmu.Lock()
	c.onMessage = fn
	c.hmu.Unlock()
}

// OnPresence sets the callback for peers joining or leaving the room.
func (c *Client) OnPresence(fn func(domain.Presence)) {
	c.hmu.Lock()
	c.onPresence = fn
	c.hmu.Unlock()
}

// Send queues msg for the write pump. It never blocks; a full queue is
// reported as ErrBackpressure.
func (c *Client) Send(ctx context.Context, msg core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = c.cfg.Self
	}
	return c.sendJSON(msg)
}

func (c *Client) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.trySend(b)
}

func (c *Client) trySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

// Run pumps frames until ctx ends, the server goes away or heartbeats stop.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.writePump(ctx) }()
	go func() { errCh <- c.readPump() }()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
		// Give the write pump a chance to send the leave frame.
		select {
		case <-errCh:
		case <-time.After(c.cfg.WriteTimeout):
		}
	case err = <-errCh:
	}
	c.Close()
	return err
}

func (c *Client) writePump(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("writePump ctx done")
			_ = c.write([]byte(`{"kind":"` + kindLeave + `"}`))
			return ctx.Err()
		case <-ticker.C:
			last := time.Unix(0, c.lastPong.Load())
			if time.Since(last) > time.Duration(c.cfg.MissedPongs)*c.cfg.PingInterval {
				c.logger.Warn().Time("last_pong", last).Msg("heartbeat lost")
				return ErrHeartbeat
			}
			if err := c.write([]byte(`{"kind":"` + kindPing + `"}`)); err != nil {
				return err
			}
		case data, ok := <-c.send:
			if !ok {
				c.logger.Debug().Msg("writePump channel closed")
				return ErrClosed
			}
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

func (c *Client) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.logger.Error().Err(err).Msg("writePump set deadline")
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Error().Err(err).Msg("writePump write error")
		return err
	}
	return nil
}

func (c *Client) readPump() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return ErrClosed
			}
			c.logger.Error().Err(err).Msg("readPump read error")
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Error().Err(err).Msg("bad json")
		return
	}

	switch env.Kind {
	case kindPing:
		_ = c.trySend([]byte(`{"kind":"` + kindPong + `"}`))
	case kindPong:
		c.lastPong.Store(time.Now().UnixNano())
	case kindPeerJoined, kindPeerLeft:
		c.hmu.RLock()
		fn := c.onPresence
		c.hmu.RUnlock()
		if fn != nil && env.Peer != "" && env.Peer != c.cfg.Self {
			fn(domain.Presence{Kind: domain.PresenceKind(env.Kind), Peer: env.Peer, Room: env.Room})
		}
	case string(core.SignalOffer), string(core.SignalAnswer), string(core.SignalICECandidate):
		var msg core.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error().Err(err).Msg("bad signal payload")
			return
		}
		c.hmu.RLock()
		fn := c.onMessage
		c.hmu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	default:
		c.logger.Warn().Str("kind", env.Kind).Msg("unknown frame")
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
	c.logger.Info().Msg("signaling closed")
}
