package mirage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Console is the line-oriented operator prompt. Free text is dispatched to
// every Ghost; "clients", "history [n]" and "exit"/"quit"/"q" are local.
type Console struct {
	in         io.Reader
	out        io.Writer
	prompt     bool
	dispatcher *Dispatcher
	registry   *Registry
	history    *ResponseLog
}

// Run reads lines until exit, EOF, or ctx cancellation.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.printf("\nMirage ready. Type commands to send to connected executors (or 'exit' to quit).\n")
	c.printf("Local commands: 'clients', 'history [n]'. Bare 'clients' and 'history' are not sent to executors.\n\n")
	for {
		c.showPrompt()
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := c.HandleLine(ctx, line); quit {
				c.printf("Shutting down mirage...\n")
				return nil
			}
		}
	}
}

// HandleLine executes one operator line and reports whether the console should exit.
func (c *Console) HandleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	switch strings.ToLower(line) {
	case "exit", "quit", "q":
		return true
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "clients":
		if len(fields) == 1 {
			c.printClients()
			return false
		}
	case "history":
		if n, ok := parseHistoryArgs(fields[1:]); ok {
			c.printHistory(n)
			return false
		}
	}

	report, ok := c.dispatcher.Dispatch(ctx, line)
	if ok {
		c.printReport(report)
	}
	return false
}

func parseHistoryArgs(args []string) (int, bool) {
	switch len(args) {
	case 0:
		return 10, true
	case 1:
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func (c *Console) printReport(report DispatchReport) {
	if report.NoExecutors {
		c.printf("No executors connected. Waiting for executors...\n\n")
		return
	}
	for _, id := range report.Succeeded {
		c.printf("Sent command to executor %s\n", id)
	}
	for _, failure := range report.Failed {
		c.printf("Failed to send to executor %s: %v\n", failure.ID, failure.Err)
	}
}

func (c *Console) printClients() {
	conns := c.registry.Snapshot()
	c.printf("\nConnected executors: %d\n", len(conns))
	for _, conn := range conns {
		c.printf("  - %s remote=%s since=%s\n", conn.ID, conn.RemoteAddr, conn.ConnectedAt.Format(time.RFC3339))
	}
	c.printf("\n")
}

func (c *Console) printHistory(n int) {
	records := c.history.Recent(n)
	if len(records) == 0 {
		c.printf("No responses collected yet.\n")
		return
	}
	for _, rec := range records {
		c.printf("%s  %s  %-7s exit=%d\n",
			rec.ReceivedAt.Format(time.RFC3339),
			rec.ConnID,
			rec.Response.Status,
			rec.Response.ExitCode,
		)
	}
}

func (c *Console) showPrompt() {
	if c.prompt {
		c.printf("$ ")
	}
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// SyncWriter serializes writes from the console and the response collector,
// which run on different goroutines.
type SyncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSyncWriter(w io.Writer) *SyncWriter {
	return &SyncWriter{w: w}
}

func (s *SyncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
