package mirage

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgectl/internal/protocol"
)

// Collector receives every response Mirage reads from any Ghost session.
// Responses carry no ordering beyond per-connection arrival.
type Collector interface {
	OnResponse(id ConnID, resp protocol.Response)
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(id ConnID, resp protocol.Response)

func (f CollectorFunc) OnResponse(id ConnID, resp protocol.Response) {
	f(id, resp)
}

// MultiCollector fans one response out to several collectors in order.
type MultiCollector []Collector

func (m MultiCollector) OnResponse(id ConnID, resp protocol.Response) {
	for _, c := range m {
		if c != nil {
			c.OnResponse(id, resp)
		}
	}
}

const banner = "============================================================"

// ConsoleCollector renders responses for the operator.
type ConsoleCollector struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleCollector(out io.Writer) *ConsoleCollector {
	return &ConsoleCollector{out: out}
}

func (c *ConsoleCollector) OnResponse(id ConnID, resp protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, RenderResponse(id, resp))
}

// RenderResponse formats one response block: status, then output on success
// or the error text on failure, then the exit code.
func RenderResponse(id ConnID, resp protocol.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\nRESPONSE FROM EXECUTOR %s\n", banner, id)
	if resp.ID != "" {
		fmt.Fprintf(&b, "command %s\n", resp.ID)
	}
	b.WriteString(banner + "\n")
	if resp.Succeeded() {
		b.WriteString("Status: SUCCESS\n")
		if resp.Output != "" {
			b.WriteString("\nOutput:\n")
			b.WriteString(resp.Output)
			if !strings.HasSuffix(resp.Output, "\n") {
				b.WriteString("\n")
			}
		}
	} else {
		b.WriteString("Status: ERROR\n")
		if resp.Error != "" {
			b.WriteString("\nError:\n")
			b.WriteString(resp.Error)
			if !strings.HasSuffix(resp.Error, "\n") {
				b.WriteString("\n")
			}
		}
	}
	fmt.Fprintf(&b, "\nExit Code: %d\n%s\n", resp.ExitCode, banner)
	return b.String()
}

// ResponseRecord is one collected response with its arrival time.
type ResponseRecord struct {
	ConnID     ConnID
	Response   protocol.Response
	ReceivedAt time.Time
}

// ResponseLog keeps a bounded in-memory history of collected responses.
type ResponseLog struct {
	mu      sync.RWMutex
	limit   int
	records []ResponseRecord
	now     func() time.Time
}

func NewResponseLog(limit int) *ResponseLog {
	if limit <= 0 {
		limit = 100
	}
	return &ResponseLog{
		limit:   limit,
		records: make([]ResponseRecord, 0, limit),
		now:     time.Now,
	}
}

func (l *ResponseLog) OnResponse(id ConnID, resp protocol.Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, ResponseRecord{ConnID: id, Response: resp, ReceivedAt: l.now()})
	if over := len(l.records) - l.limit; over > 0 {
		l.records = append(l.records[:0], l.records[over:]...)
	}
}

// Recent returns up to n records, oldest first. n <= 0 returns everything kept.
func (l *ResponseLog) Recent(n int) []ResponseRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if n > 0 && n < len(l.records) {
		start = len(l.records) - n
	}
	out := make([]ResponseRecord, len(l.records)-start)
	copy(out, l.records[start:])
	return out
}

func (l *ResponseLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
