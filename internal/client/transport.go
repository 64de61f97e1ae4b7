package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	rt "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/realtime"
	"github.com/gorilla/websocket"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNoCredential         = errors.New("no credential available")
	ErrNotConnected         = errors.New("not connected")
	ErrClosed               = errors.New("manager closed")
)

// Conn is one established, authenticated connection.
type Conn interface {
	ReadFrame() (rt.Frame, error)
	WriteFrame(f rt.Frame) error
	Close() error
}

// Transport opens connections. Dial returns only after the server accepted the credential;
// a rejected credential is reported as ErrAuthenticationFailed.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	clientWriteWait         = 10 * time.Second
)

// WebsocketTransport dials the chat endpoint with gorilla/websocket.
type WebsocketTransport struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
}

func (t *WebsocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	hdr := http.Header{}
	for k, v := range t.Header {
		hdr[k] = append([]string(nil), v...)
	}
	hdr.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, t.URL, hdr)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}

	// the server speaks first
	deadline := time.Now().Add(defaultHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	var ready rt.Frame
	if err := conn.ReadJSON(&ready); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read ready frame: %w", err)
	}
	if ready.Type != rt.TypeReady {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", ready.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) ReadFrame() (rt.Frame, error) {
	var f rt.Frame
	err := c.conn.ReadJSON(&f)
	return f, err
}

func (c *wsConn) WriteFrame(f rt.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}
