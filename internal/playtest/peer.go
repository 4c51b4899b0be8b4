package playtest

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/storyplay/internal/protocol"
)

// WebSocketConfig holds the limits applied to every story connection.
type WebSocketConfig struct {
	// MaxMessageSize is the maximum size of an inbound frame in bytes.
	// Default: 64KB
	MaxMessageSize int64

	// PongWait is the time to wait for a pong response.
	// Default: 60 seconds
	PongWait time.Duration

	// PingPeriod is the interval between ping messages.
	// Should be less than PongWait.
	// Default: 54 seconds (90% of PongWait)
	PingPeriod time.Duration

	// WriteWait is the time allowed to write a message.
	// Default: 10 seconds
	WriteWait time.Duration

	// SendSize is the outbound queue length per connection. Default: 256
	SendSize int
}

// DefaultWebSocketConfig returns sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		MaxMessageSize: 64 * 1024,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
		SendSize:       256,
	}
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	d := DefaultWebSocketConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.SendSize <= 0 {
		c.SendSize = d.SendSize
	}
	return c
}

// peer is one WebSocket connection attached to a story.
type peer struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	cfg    WebSocketConfig
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(id string, conn *websocket.Conn, cfg WebSocketConfig, logger *slog.Logger) *peer {
	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})
	return &peer{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, cfg.SendSize),
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// sendFrame queues f for the write pump.
// This is non-blocking - if the send buffer is full, the frame is dropped.
func (p *peer) sendFrame(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		p.logger.Error("Failed to encode frame", "type", f.FrameType(), "error", err)
		return
	}
	select {
	case p.send <- data:
	case <-p.done:
	default:
		p.logger.Warn("Send buffer full, dropping frame", "type", f.FrameType())
	}
}

// writePump pumps frames from the send channel to the connection and keeps
// it alive with pings. It exits when the peer is closed.
func (p *peer) writePump() {
	ticker := time.NewTicker(p.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				p.logger.Debug("Write failed", "error", err)
				p.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-p.done:
			return
		}
	}
}

// close sends a close frame with code, unless the code cannot be sent on
// the wire, and shuts the connection down. Only the first call has an effect.
func (p *peer) close(code int, reason string) {
	p.closeOnce.Do(func() {
		if code != websocket.CloseAbnormalClosure && code != websocket.CloseNoStatusReceived {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(p.cfg.WriteWait))
		}
		close(p.done)
		p.conn.Close()
	})
}
