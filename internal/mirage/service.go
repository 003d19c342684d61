package mirage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgectl/internal/observability"
	"github.com/danmuck/edgectl/internal/protocol"
	"github.com/danmuck/edgectl/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Mirage session endpoint configuration.
type ServiceConfig struct {
	ListenAddr      string
	WSPath          string
	HistoryLimit    int
	ShutdownTimeout time.Duration
	Session         session.Config
}

// Mirage service defaults for session endpoint configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:      "0.0.0.0:8765",
		WSPath:          "/ws",
		HistoryLimit:    100,
		ShutdownTimeout: 5 * time.Second,
		Session:         session.DefaultConfig(),
	}
}

// Mirage runtime service: accept loop, session loops, dispatch and collection.
type Service struct {
	cfg ServiceConfig

	registry   *Registry
	dispatcher *Dispatcher
	history    *ResponseLog
	collector  Collector
	upgrader   websocket.Upgrader

	sessions      sync.WaitGroup
	sessionCount  atomic.Int64
	closing       atomic.Bool
	listenAddrMu  sync.RWMutex
	listenAddress string
}

// Mirage service constructor using default configuration.
func NewService(out io.Writer) *Service {
	return NewServiceWithConfig(DefaultServiceConfig(), out)
}

// Mirage service constructor using explicit configuration. Responses are
// rendered to out and recorded in the bounded history.
func NewServiceWithConfig(cfg ServiceConfig, out io.Writer) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(cfg.WSPath) == "" {
		cfg.WSPath = def.WSPath
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		cfg.WSPath = "/" + cfg.WSPath
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	cfg.Session = cfg.Session.WithDefaults()

	registry := NewRegistry()
	history := NewResponseLog(cfg.HistoryLimit)
	collectors := MultiCollector{history}
	if out != nil {
		collectors = append(collectors, NewConsoleCollector(out))
	}
	return &Service{
		cfg:        cfg,
		registry:   registry,
		dispatcher: NewDispatcher(registry, cfg.Session.WriteTimeout),
		history:    history,
		collector:  collectors,
		upgrader:   session.NewUpgrader(cfg.Session),
	}
}

func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

func (s *Service) History() *ResponseLog {
	return s.history
}

// Addr returns the bound listener address once Serve has started.
func (s *Service) Addr() string {
	s.listenAddrMu.RLock()
	defer s.listenAddrMu.RUnlock()
	return s.listenAddress
}

// Handler routes the websocket endpoint plus /metrics and /healthz. The
// websocket endpoint also answers at "/" for clients that dial the bare host.
func (s *Service) Handler() http.Handler {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("mirage"))

	r.GET(s.cfg.WSPath, s.handleWS)
	if s.cfg.WSPath != "/" {
		r.GET("/", func(c *gin.Context) {
			if !websocket.IsWebSocketUpgrade(c.Request) {
				c.Status(http.StatusNotFound)
				return
			}
			s.handleWS(c)
		})
	}
	r.GET("/metrics", gin.WrapH(observability.Handler()))
	r.GET("/healthz", s.handleHealth)
	return r
}

// Listen binds the configured address, wrapping it in TLS when enabled.
func (s *Service) Listen() (net.Listener, error) {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("mirage: listen %s: %w", s.cfg.ListenAddr, err)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}

// Serve runs the HTTP/websocket server on ln until ctx ends, then closes every
// registered connection and waits for session loops to exit.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.listenAddrMu.Lock()
	s.listenAddress = ln.Addr().String()
	s.listenAddrMu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.Session.HandshakeTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	log.Warn().Str("addr", ln.Addr().String()).Str("ws_path", s.cfg.WSPath).Msg("mirage.Service listening")

	var err error
	select {
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("mirage.Service shutdown")
		}
		cancel()
	}
	s.closing.Store(true)
	closed := s.registry.CloseAll()
	s.sessions.Wait()
	log.Warn().Int("closed_sessions", closed).Msg("mirage.Service stopped")
	return err
}

// Run binds, serves and drives the operator console until it exits or ctx
// ends. A bind failure is the only fatal error.
func (s *Service) Run(ctx context.Context, console *Console) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()

	if console != nil {
		consoleErr := make(chan error, 1)
		go func() {
			consoleErr <- console.Run(ctx)
		}()
		select {
		case err := <-consoleErr:
			cancel()
			if serr := <-serveErr; serr != nil {
				return serr
			}
			return err
		case err := <-serveErr:
			return err
		}
	}
	return <-serveErr
}

// NewConsole builds an operator console bound to this service.
func (s *Service) NewConsole(in io.Reader, out io.Writer, prompt bool) *Console {
	return &Console{
		in:         in,
		out:        out,
		prompt:     prompt,
		dispatcher: s.dispatcher,
		registry:   s.registry,
		history:    s.history,
	}
}

func (s *Service) handleWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("mirage.handleWS upgrade")
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()
	s.runSession(c.Request.Context(), session.NewWSConn(ws, s.cfg.Session))
}

// runSession registers conn and reads frames until the channel closes. Only
// this session's identity is unregistered on exit.
func (s *Service) runSession(ctx context.Context, conn *session.WSConn) {
	id := s.registry.Register(conn)
	active := s.sessionCount.Add(1)
	log.Warn().
		Str("conn_id", id.String()).
		Str("remote", conn.RemoteAddr()).
		Int64("active_clients", active).
		Int("registered", s.registry.Count()).
		Msg("mirage.session client connected")

	keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
	go conn.KeepAlive(keepAliveCtx)

	defer func() {
		stopKeepAlive()
		s.registry.Unregister(id)
		_ = conn.Close()
		remaining := s.sessionCount.Add(-1)
		log.Warn().
			Str("conn_id", id.String()).
			Int64("active_clients", remaining).
			Int("registered", s.registry.Count()).
			Msg("mirage.session client removed")
	}()

	if s.closing.Load() {
		return
	}
	s.readLoop(id, conn)
}

func (s *Service) readLoop(id ConnID, conn session.Conn) {
	warn := rate.NewLimiter(rate.Every(time.Second), 5)
	for {
		frame, err := conn.Receive()
		if err != nil {
			if session.IsClosed(err) {
				log.Info().Str("conn_id", id.String()).Msg("mirage.session client disconnected")
			} else {
				log.Warn().Str("conn_id", id.String()).Err(err).Msg("mirage.session receive")
			}
			return
		}
		s.handleFrame(id, frame, warn)
	}
}

// handleFrame routes one inbound frame. Drop warnings are rate limited per
// session; the malformed-frame counter is not.
func (s *Service) handleFrame(id ConnID, frame []byte, warn *rate.Limiter) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		observability.RecordMalformedFrame("mirage")
		if warn.Allow() {
			log.Warn().Str("conn_id", id.String()).Err(err).Msg("mirage.session dropped frame")
		}
		return
	}
	if msg.Response == nil {
		log.Debug().Str("conn_id", id.String()).Str("kind", string(msg.Kind)).Msg("mirage.session ignored frame")
		return
	}
	observability.RecordResponse("mirage", string(msg.Response.Status))
	s.collector.OnResponse(id, *msg.Response)
}

type healthBody struct {
	Status    string `json:"status"`
	Executors int    `json:"executors"`
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthBody{Status: "ok", Executors: s.registry.Count()})
}
