package mirage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgectl/internal/ghost"
	"github.com/danmuck/edgectl/internal/protocol"
	"github.com/danmuck/edgectl/internal/protocol/session"
	"github.com/danmuck/edgectl/internal/testutil/testlog"
	"github.com/danmuck/edgectl/internal/testutil/tlstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	svc  *Service
	addr string
	out  *syncBuffer
}

func startMirage(t *testing.T) *harness {
	t.Helper()
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	out := &syncBuffer{}
	svc := NewServiceWithConfig(cfg, out)
	ln, err := svc.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Errorf("mirage did not shut down")
		}
	})
	return &harness{svc: svc, addr: ln.Addr().String(), out: out}
}

func (h *harness) wsURL() string {
	return "ws://" + h.addr + "/ws"
}

// startGhost runs a real Ghost service against the harness and returns a
// cancel func that disconnects it.
func startGhost(t *testing.T, h *harness) context.CancelFunc {
	t.Helper()
	cfg := ghost.DefaultServiceConfig()
	cfg.ServerURL = h.wsURL()
	g, err := ghost.NewServiceWithConfig(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitForCount(t *testing.T, h *harness, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.svc.Registry().Count() == want
	}, 5*time.Second, 10*time.Millisecond, "registry never reached %d", want)
}

func waitForResponses(t *testing.T, h *harness, want int) []ResponseRecord {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.svc.History().Len() >= want
	}, 10*time.Second, 10*time.Millisecond, "collected fewer than %d responses", want)
	return h.svc.History().Recent(0)
}

func TestServiceRoundTripWithGhost(t *testing.T) {
	testlog.Start(t)
	h := startMirage(t)
	startGhost(t, h)
	waitForCount(t, h, 1)

	report, ok := h.svc.Dispatcher().Dispatch(context.Background(), "echo hi")
	require.True(t, ok)
	require.Len(t, report.Succeeded, 1)

	records := waitForResponses(t, h, 1)
	resp := records[0].Response
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "hi\n", resp.Output)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, report.CommandID, resp.ID)
	assert.Equal(t, report.Succeeded[0], records[0].ConnID)

	require.Eventually(t, func() bool {
		return strings.Contains(h.out.String(), "Status: SUCCESS")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceExitCodeFidelity(t *testing.T) {
	testlog.Start(t)
	h := startMirage(t)
	startGhost(t, h)
	waitForCount(t, h, 1)

	_, ok := h.svc.Dispatcher().Dispatch(context.Background(), "exit 2")
	require.True(t, ok)
	resp := waitForResponses(t, h, 1)[0].Response
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, 2, resp.ExitCode)
}

func TestServiceBroadcastFanOut(t *testing.T) {
	testlog.Start(t)
	h := startMirage(t)
	startGhost(t, h)
	startGhost(t, h)
	startGhost(t, h)
	waitForCount(t, h, 3)

	report, ok := h.svc.Dispatcher().Dispatch(context.Background(), "echo fan")
	require.True(t, ok)
	require.Len(t, report.Succeeded, 3)

	records := waitForResponses(t, h, 3)
	seen := map[ConnID]bool{}
	for _, rec := range records {
		assert.Equal(t, "fan\n", rec.Response.Output)
		seen[rec.ConnID] = true
	}
	assert.Len(t, seen, 3)
}

func TestServiceDisconnectCleanup(t *testing.T) {
	testlog.Start(t)
	h := startMirage(t)
	stopFirst := startGhost(t, h)
	startGhost(t, h)
	waitForCount(t, h, 2)

	stopFirst()
	waitForCount(t, h, 1)

	report, ok := h.svc.Dispatcher().Dispatch(context.Background(), "echo survivor")
	require.True(t, ok)
	assert.Equal(t, 1, report.Attempted)
	assert.Empty(t, report.Failed)
	waitForResponses(t, h, 1)
}

func TestServiceToleratesMalformedFrames(t *testing.T) {
	testlog.Start(t)
	h := startMirage(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := session.Dial(ctx, h.wsURL(), session.DefaultConfig())
	require.NoError(t, err)
	defer conn.Close()
	waitForCount(t, h, 1)

	require.NoError(t, conn.Send(ctx, []byte("not json at all")))
	require.NoError(t, conn.Send(ctx, []byte(`{"kind":"heartbeat"}`)))
	require.NoError(t, conn.Send(ctx, []byte(`{"kind":"response","output":"no status"}`)))
	frame, err := protocol.EncodeResponse(protocol.NewResponse("", "late\n", "", 0))
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, frame))

	records := waitForResponses(t, h, 1)
	assert.Len(t, records, 1)
	assert.Equal(t, "late\n", records[0].Response.Output)
	assert.Equal(t, 1, h.svc.Registry().Count())
}

func TestServiceAcceptsBareHostUpgrade(t *testing.T) {
	testlog.Start(t)
	h := startMirage(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := session.Dial(ctx, h.addr, session.DefaultConfig())
	require.NoError(t, err)
	defer conn.Close()
	waitForCount(t, h, 1)

	resp, err := http.Get("http://" + h.addr + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServiceHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	h := startMirage(t)
	startGhost(t, h)
	waitForCount(t, h, 1)

	resp, err := http.Get("http://" + h.addr + "/healthz")
	require.NoError(t, err)
	var body healthBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Executors)

	resp, err = http.Get("http://" + h.addr + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "edgectl_registry_connections")
}

func TestServiceShutdownClosesGhosts(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	svc := NewServiceWithConfig(cfg, nil)
	ln, err := svc.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx, ln) }()

	gcfg := ghost.DefaultServiceConfig()
	gcfg.ServerURL = "ws://" + ln.Addr().String()
	g, err := ghost.NewServiceWithConfig(gcfg, nil)
	require.NoError(t, err)
	ghostDone := make(chan error, 1)
	go func() { ghostDone <- g.Run(context.Background()) }()
	require.Eventually(t, func() bool { return svc.Registry().Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not return")
	}
	select {
	case err := <-ghostDone:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("ghost did not observe shutdown")
	}
	assert.Equal(t, 0, svc.Registry().Count())
}

func TestServiceRoundTripOverTLS(t *testing.T) {
	testlog.Start(t)
	bundle := tlstest.ServerBundle(t)

	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Session.TLS = session.TLSConfig{Enabled: true, CertFile: bundle.CertFile, KeyFile: bundle.KeyFile}
	svc := NewServiceWithConfig(cfg, nil)
	ln, err := svc.Listen()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-served
	}()

	gcfg := ghost.DefaultServiceConfig()
	gcfg.ServerURL = "wss://" + ln.Addr().String() + "/ws"
	gcfg.Session.TLS = session.TLSConfig{CAFile: bundle.CAFile}
	g, err := ghost.NewServiceWithConfig(gcfg, nil)
	require.NoError(t, err)
	ghostCtx, stopGhost := context.WithCancel(context.Background())
	ghostDone := make(chan struct{})
	go func() {
		defer close(ghostDone)
		_ = g.Run(ghostCtx)
	}()
	defer func() {
		stopGhost()
		<-ghostDone
	}()

	require.Eventually(t, func() bool { return svc.Registry().Count() == 1 }, 5*time.Second, 10*time.Millisecond)
	_, ok := svc.Dispatcher().Dispatch(context.Background(), "echo secure")
	require.True(t, ok)
	require.Eventually(t, func() bool { return svc.History().Len() == 1 }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, "secure\n", svc.History().Recent(0)[0].Response.Output)
}
