package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes used by the client.
const (
	// CloseNormal is the close code of an intentional, clean shutdown.
	CloseNormal = websocket.CloseNormalClosure
	// CloseInternalError is sent when the client gives up on a transport
	// it cannot write to.
	CloseInternalError = websocket.CloseInternalServerErr
)

// Transport is one established bidirectional connection carrying text frames.
type Transport interface {
	// ReadFrame blocks until the next frame arrives. A peer close is
	// reported as a *CloseError.
	ReadFrame() ([]byte, error)

	// WriteFrame sends one frame. It is safe to call concurrently with ReadFrame.
	WriteFrame(ctx context.Context, data []byte) error

	// Close sends a close frame with code and reason and releases the connection.
	Close(code int, reason string) error
}

// Dialer establishes transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}

// CloseError reports that the peer closed the connection.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("connection closed (code %d): %s", e.Code, e.Text)
}

// CloseCode extracts the close code carried by err, if any.
func CloseCode(err error) (int, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

// WebSocketDialer dials story sessions over WebSocket.
type WebSocketDialer struct {
	// Dialer is the underlying gorilla dialer. Nil uses websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Header is sent with the opening handshake.
	Header http.Header
	// WriteTimeout bounds a single frame write. Zero uses 10 seconds.
	WriteTimeout time.Duration
}

// Dial opens a WebSocket connection to url.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &wsTransport{conn: conn, writeTimeout: timeout}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Text: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	// gorilla allows one concurrent writer; the dispatch loop is the only one.
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}
