// Package uplink forwards localization results to a remote dashboard over
// a WebSocket connection and accepts commands from it.
package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
	"github.com/teslashibe/go-soundloc/internal/protocol"
)

// Config holds uplink client configuration
type Config struct {
	URL              string        // WebSocket URL (e.g., "wss://dashboard.example.com/ingest")
	ReconnectBackoff time.Duration // Initial reconnect delay
	MaxBackoff       time.Duration // Maximum reconnect delay
	PingInterval     time.Duration // Ping interval for keepalive
	WriteTimeout     time.Duration // Write timeout
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ingest",
		ReconnectBackoff: 1 * time.Second,
		MaxBackoff:       30 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Client manages the WebSocket connection to the dashboard
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Gorilla connections allow one concurrent writer
	writeMu sync.Mutex

	// Callbacks for incoming commands
	onMeasurements func(protocol.MeasurementsData)
	onResetTrack   func(trackID string)

	// Stats
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	dropped          atomic.Uint64
	reconnects       atomic.Uint64
}

// NewClient creates a new uplink client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
	}
}

// OnMeasurements sets the callback for dashboard-submitted sound levels
func (c *Client) OnMeasurements(callback func(protocol.MeasurementsData)) {
	c.mu.Lock()
	c.onMeasurements = callback
	c.mu.Unlock()
}

// OnResetTrack sets the callback for track reset commands
func (c *Client) OnResetTrack(callback func(trackID string)) {
	c.mu.Lock()
	c.onResetTrack = callback
	c.mu.Unlock()
}

// Connect starts connecting in the background and keeps reconnecting
// until ctx is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connecting")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connectionLoop(ctx)
	}()
	return nil
}

// connectionLoop manages connection with auto-reconnect
func (c *Client) connectionLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectBackoff

	for {
		select {
		case <-ctx.Done():
			c.closeConnection()
			return
		default:
		}

		conn, err := c.connect(ctx)
		if err != nil {
			c.logger.Warn("uplink connection failed",
				"error", err,
				"retry_in", backoff,
			)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			// Exponential backoff
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			c.reconnects.Add(1)
			continue
		}

		// Reset backoff on successful connection
		backoff = c.cfg.ReconnectBackoff

		pingCtx, stopPing := context.WithCancel(ctx)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.pingLoop(pingCtx, conn)
		}()

		// Read messages until error
		c.readLoop(ctx, conn)
		stopPing()
	}
}

// connect establishes the WebSocket connection
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.logger.Info("connecting to uplink", "url", c.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to uplink")
	return conn, nil
}

// pingLoop sends periodic pings
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads messages from the dashboard
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the context ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("read error", "error", err)
			}
			c.closeConnection()
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(data)
	}
}

// handleMessage processes incoming messages
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		c.logger.Warn("parse message error", "error", err)
		return
	}

	c.mu.Lock()
	measurementsCb := c.onMeasurements
	resetCb := c.onResetTrack
	c.mu.Unlock()

	switch msg.Type {
	case protocol.TypeMeasurements:
		if measurementsCb != nil {
			data, err := msg.GetMeasurements()
			if err == nil {
				measurementsCb(*data)
			}
		}

	case protocol.TypeResetTrack:
		if resetCb != nil {
			data, err := msg.GetResetTrack()
			if err == nil {
				resetCb(data.TrackID)
			}
		}

	case protocol.TypePing:
		// Respond with pong
		pong := &protocol.Message{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()}
		c.SendMessage(pong)
	}
}

// SendMessage sends a message to the dashboard
func (c *Client) SendMessage(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Warn("send error", "error", err)
		c.closeConnection()
		return fmt.Errorf("write: %w", err)
	}

	c.messagesSent.Add(1)
	return nil
}

// SendLocalization sends one result to the dashboard
func (c *Client) SendLocalization(result acoustic.LocalizationResult) error {
	msg, err := protocol.NewLocalizationMessage(result)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

// SendStats sends a statistics snapshot to the dashboard
func (c *Client) SendStats(stats interface{}) error {
	msg, err := protocol.NewMessage(protocol.TypeStats, stats)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

// Forward sends every result from results until ctx ends or the channel
// closes. Results produced while disconnected are dropped.
func (c *Client) Forward(ctx context.Context, results <-chan acoustic.LocalizationResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-results:
			if !ok {
				return
			}
			if err := c.SendLocalization(result); err != nil {
				c.dropped.Add(1)
			}
		}
	}
}

// closeConnection closes the WebSocket connection
func (c *Client) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close shuts down the client and waits for its goroutines
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConnection()
	c.wg.Wait()
	return nil
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats returns client statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	Dropped          uint64 `json:"dropped"`
	Reconnects       uint64 `json:"reconnects"`
}

// GetStats returns client statistics
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	return Stats{
		Connected:        connected,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		Dropped:          c.dropped.Load(),
		Reconnects:       c.reconnects.Load(),
	}
}
