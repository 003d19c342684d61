package ghost

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgectl/internal/protocol"
	"github.com/danmuck/edgectl/internal/protocol/session"
	"github.com/danmuck/edgectl/internal/testutil/testlog"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// scriptedMirage sends one command to the first Ghost that connects, hands
// back the response, then closes the session.
func scriptedMirage(t *testing.T, command string) (*httptest.Server, <-chan protocol.Response) {
	t.Helper()
	cfg := session.DefaultConfig()
	upgrader := session.NewUpgrader(cfg)
	responses := make(chan protocol.Response, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := session.NewWSConn(ws, cfg)
		defer conn.Close()

		frame, err := protocol.EncodeCommand(protocol.Command{ID: "svc-1", Command: command})
		if err != nil {
			t.Errorf("encode: %v", err)
			return
		}
		if err := conn.Send(r.Context(), frame); err != nil {
			t.Errorf("send: %v", err)
			return
		}
		raw, err := conn.Receive()
		if err != nil {
			t.Errorf("receive: %v", err)
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil || msg.Response == nil {
			t.Errorf("unexpected frame %s: %v", raw, err)
			return
		}
		responses <- *msg.Response
	}))
	t.Cleanup(srv.Close)
	return srv, responses
}

func TestServiceRunExecutesAndExitsWhenMirageCloses(t *testing.T) {
	testlog.Start(t)
	srv, responses := scriptedMirage(t, "echo from-ghost")

	cfg := DefaultServiceConfig()
	cfg.ServerURL = srv.URL
	out := &lockedBuffer{}
	svc, err := NewServiceWithConfig(cfg, out)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	select {
	case resp := <-responses:
		if resp.ID != "svc-1" || resp.Output != "from-ghost\n" || resp.ExitCode != 0 {
			t.Fatalf("unexpected response: %+v", resp)
		}
	default:
		t.Fatalf("mirage never received a response")
	}
	text := out.String()
	for _, want := range []string{"Connecting to ws://", "Connected to mirage", "Connection to mirage closed."} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in output:\n%s", want, text)
		}
	}
}

func TestServiceRunReportsUnreachableMirage(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := DefaultServiceConfig()
	cfg.ServerURL = url
	out := &lockedBuffer{}
	svc, err := NewServiceWithConfig(cfg, out)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Run(context.Background()); err == nil {
		t.Fatalf("expected connect error")
	}
	if !strings.Contains(out.String(), "Make sure mirage is running") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestServiceRunStopsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	upgrader := session.NewUpgrader(cfg)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := session.NewWSConn(ws, cfg)
		defer conn.Close()
		_, _ = conn.Receive()
	}))
	t.Cleanup(srv.Close)

	svcCfg := DefaultServiceConfig()
	svcCfg.ServerURL = srv.URL
	svc, err := NewServiceWithConfig(svcCfg, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop")
	}
}
