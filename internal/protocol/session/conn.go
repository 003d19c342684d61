package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed = errors.New("session: connection closed")
	ErrBadURL     = errors.New("session: invalid websocket url")
)

// Conn is the message-oriented, full-duplex channel between Mirage and one
// Ghost. Send may be called from any goroutine; Receive from exactly one.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// WSConn adapts a gorilla websocket connection to Conn.
type WSConn struct {
	ws  *websocket.Conn
	cfg Config

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSConn wraps an established websocket and installs deadline handlers.
func NewWSConn(ws *websocket.Conn, cfg Config) *WSConn {
	cfg = cfg.WithDefaults()
	c := &WSConn{
		ws:     ws,
		cfg:    cfg,
		closed: make(chan struct{}),
	}
	ws.SetReadLimit(cfg.MaxFrameBytes)
	c.extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		c.extendReadDeadline()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(cfg.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	return c
}

func (c *WSConn) extendReadDeadline() {
	if c.cfg.IdleTimeout <= 0 {
		_ = c.ws.SetReadDeadline(time.Time{})
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
}

// Send writes one text frame, bounded by WriteTimeout or ctx, whichever is sooner.
func (c *WSConn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return classify(err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return classify(err)
	}
	return nil
}

// Receive blocks for the next data frame.
func (c *WSConn) Receive() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, classify(err)
		}
		c.extendReadDeadline()
		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return data, nil
		}
	}
}

// KeepAlive pings the peer every PingInterval until ctx ends or the
// connection closes. A failed ping closes the connection so the reader
// observes the loss.
func (c *WSConn) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// Close sends a best-effort close frame and releases the socket. Safe to call
// more than once.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *WSConn) RemoteAddr() string {
	if addr := c.ws.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// IsClosed reports whether err means the peer or the local side ended the session.
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnClosed)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return err
}

// NewUpgrader returns the server-side upgrader. Ghost processes send no Origin
// header; browser origins are only accepted for the serving host.
func NewUpgrader(cfg Config) websocket.Upgrader {
	cfg = cfg.WithDefaults()
	return websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
}

// NormalizeURL accepts ws://, wss://, http(s):// or a bare host:port and
// returns a websocket URL.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrBadURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrBadURL)
	}
	return u.String(), nil
}

// Dial connects to a Mirage websocket endpoint.
func Dial(ctx context.Context, rawURL string, cfg Config) (*WSConn, error) {
	cfg = cfg.WithDefaults()
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(target)

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if u.Scheme == "wss" {
		tlsCfg, err := cfg.ClientTLSConfig(u.Hostname())
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", target, err)
	}
	return NewWSConn(ws, cfg), nil
}
