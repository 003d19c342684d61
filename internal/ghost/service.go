package ghost

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/edgectl/internal/protocol/session"
	"github.com/danmuck/edgectl/internal/tools"
	"github.com/rs/zerolog/log"
)

// ServiceConfig configures one Ghost process.
type ServiceConfig struct {
	ServerURL          string
	MaxConnectAttempts int
	Runtime            RuntimeConfig
	Shell              []string
	WorkDir            string
	Env                []string
	Session            session.Config
}

// Ghost service defaults. One connect attempt, like the first-generation client.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ServerURL:          DefaultServerURL,
		MaxConnectAttempts: 1,
		Runtime:            DefaultRuntimeConfig(),
		Session:            session.DefaultConfig(),
	}
}

// Service connects to Mirage and runs commands until the session ends.
type Service struct {
	cfg    ServiceConfig
	runner tools.CommandRunner
	out    io.Writer
	client *MirageClient
}

// Ghost service constructor. out receives operator-facing status lines.
func NewServiceWithConfig(cfg ServiceConfig, out io.Writer) (*Service, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		cfg.ServerURL = DefaultServerURL
	}
	cfg.Session = cfg.Session.WithDefaults()
	client, err := NewMirageClient(MirageClientConfig{
		URL:                cfg.ServerURL,
		Session:            cfg.Session,
		MaxConnectAttempts: cfg.MaxConnectAttempts,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = io.Discard
	}
	return &Service{
		cfg:    cfg,
		runner: tools.ShellRunner{Shell: cfg.Shell, Dir: cfg.WorkDir, Env: cfg.Env},
		out:    out,
		client: client,
	}, nil
}

// Run connects once (with the configured retry budget) and serves commands
// until Mirage closes the session or ctx ends.
func (s *Service) Run(ctx context.Context) error {
	fmt.Fprintf(s.out, "Connecting to %s...\n", s.client.URL())
	conn, err := s.client.Connect(ctx)
	if err != nil {
		fmt.Fprintf(s.out, "Could not connect to %s. Make sure mirage is running.\n", s.client.URL())
		return err
	}
	fmt.Fprintf(s.out, "Connected to mirage. Waiting for commands...\n")
	log.Info().Str("url", s.client.URL()).Str("remote", conn.RemoteAddr()).Msg("ghost.Service connected")

	rt := NewRuntime(conn, s.runner, s.cfg.Runtime)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	start := time.Now()
	err = rt.Run(ctx)
	log.Info().
		Uint64("executed", rt.Executed()).
		Uint64("rejected", rt.Rejected()).
		Dur("uptime", time.Since(start)).
		Err(err).
		Msg("ghost.Service session ended")
	fmt.Fprintf(s.out, "Connection to mirage closed.\n")
	return err
}
