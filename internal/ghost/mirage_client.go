package ghost

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/edgectl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var ErrMirageAddressRequired = errors.New("ghost: mirage address required")

type MirageClientConfig struct {
	URL     string
	Session session.Config
	// MaxConnectAttempts <= 0 retries until ctx ends.
	MaxConnectAttempts int
}

type MirageClient struct {
	cfg MirageClientConfig
	rng *rand.Rand
	// dial is swapped in tests.
	dial func(ctx context.Context, url string, cfg session.Config) (session.Conn, error)
}

func NewMirageClient(cfg MirageClientConfig) (*MirageClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrMirageAddressRequired
	}
	url, err := session.NormalizeURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	cfg.URL = url
	cfg.Session = cfg.Session.WithDefaults()
	return &MirageClient{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		dial: func(ctx context.Context, url string, cfg session.Config) (session.Conn, error) {
			return session.Dial(ctx, url, cfg)
		},
	}, nil
}

// URL is the normalized websocket target.
func (c *MirageClient) URL() string {
	return c.cfg.URL
}

// Connect dials Mirage, retrying with backoff up to MaxConnectAttempts.
func (c *MirageClient) Connect(ctx context.Context) (session.Conn, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx, c.cfg.URL, c.cfg.Session)
		if err == nil {
			return conn, nil
		}
		log.Warn().Int("attempt", attempt).Str("url", c.cfg.URL).Err(err).Msg("ghost.MirageClient dial")
		if !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *MirageClient) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *MirageClient) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
