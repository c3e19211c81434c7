package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
	"github.com/teslashibe/go-soundloc/internal/protocol"
	"github.com/teslashibe/go-soundloc/internal/tracker"
)

const statsInterval = 5 * time.Second

// wsClient serialises writes to one connection
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return c.write(data)
}

// WSHub manages WebSocket connections and broadcasts localization results
type WSHub struct {
	tracker *tracker.Tracker
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsClient

	runMu  sync.Mutex
	cancel context.CancelFunc
	closed bool
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(trk *tracker.Tracker, logger *slog.Logger) *WSHub {
	return &WSHub{
		tracker: trk,
		logger:  logger,
		clients: make(map[*websocket.Conn]*wsClient),
		done:    make(chan struct{}),
	}
}

// Run forwards tracker results to every client and periodically pushes
// stats (blocking, use goroutine). It returns at once if the hub is
// already running or closed.
func (h *WSHub) Run(ctx context.Context) {
	h.runMu.Lock()
	if h.closed || h.cancel != nil {
		h.runMu.Unlock()
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.runMu.Unlock()
	defer close(h.done)

	if h.tracker == nil {
		<-ctx.Done()
		return
	}

	results := h.tracker.Subscribe()
	defer h.tracker.Unsubscribe(results)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case result, ok := <-results:
			if !ok {
				h.logger.Info("websocket hub stopped", "reason", "tracker closed")
				return
			}
			msg, err := protocol.NewLocalizationMessage(result)
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			h.broadcast(msg)
		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			msg, err := protocol.NewMessage(protocol.TypeStats, h.tracker.Stats())
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			h.broadcast(msg)
		}
	}
}

func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if err := client.write(data); err != nil {
			// Will be cleaned up when connection closes
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	// Middleware to check if request is a WebSocket upgrade
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the localization stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	client := &wsClient{conn: c}

	h.mu.Lock()
	h.clients[c] = client
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	// Keep connection alive, read for close or commands
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			// Connection closed
			break
		}

		h.handleCommand(client, msg)
	}
}

func (h *WSHub) handleCommand(client *wsClient, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.reply(client, protocol.TypeError, err)
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		h.sendReply(client, protocol.TypePong, time.Now().Unix())

	case protocol.TypeStats:
		if h.tracker != nil {
			h.sendReply(client, protocol.TypeStats, h.tracker.Stats())
		}

	case protocol.TypeMeasurements:
		if h.tracker == nil {
			return
		}
		req, err := msg.GetMeasurements()
		if err != nil {
			h.reply(client, msg.Type, err)
			return
		}
		// The result reaches every client through the broadcast loop
		_, err = h.tracker.SubmitMeasurements(req.TrackID, req.Measurements)
		if err != nil && !errors.Is(err, acoustic.ErrInsufficientData) {
			h.reply(client, msg.Type, err)
		}

	case protocol.TypeResetTrack:
		if h.tracker == nil {
			return
		}
		req, err := msg.GetResetTrack()
		if err != nil {
			h.reply(client, msg.Type, err)
			return
		}
		if err := h.tracker.ResetTrack(req.TrackID); err != nil {
			h.reply(client, msg.Type, err)
		}

	default:
		h.logger.Debug("unknown websocket command", "type", msg.Type)
	}
}

func (h *WSHub) sendReply(client *wsClient, msgType protocol.MessageType, data interface{}) {
	msg, err := protocol.NewMessage(msgType, data)
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}
	if err := client.send(msg); err != nil {
		h.logger.Debug("websocket write error", "error", err)
	}
}

func (h *WSHub) reply(client *wsClient, command protocol.MessageType, cmdErr error) {
	msg, err := protocol.NewErrorMessage(command, cmdErr)
	if err != nil {
		return
	}
	if err := client.send(msg); err != nil {
		h.logger.Debug("websocket write error", "error", err)
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.runMu.Lock()
	h.closed = true
	cancel := h.cancel
	h.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-h.done
	}

	// Close all client connections
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*wsClient)
	h.mu.Unlock()
}
