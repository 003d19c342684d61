package mirage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgectl/internal/observability"
	"github.com/danmuck/edgectl/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DispatchFailure records one connection that did not accept a command frame.
type DispatchFailure struct {
	ID  ConnID
	Err error
}

// DispatchReport summarizes one dispatch sweep.
type DispatchReport struct {
	CommandID   string
	Command     string
	NoExecutors bool
	Attempted   int
	Succeeded   []ConnID
	Failed      []DispatchFailure
}

// Dispatcher broadcasts operator commands to every registered Ghost.
type Dispatcher struct {
	registry    *Registry
	sendTimeout time.Duration
	newID       func() string
}

func NewDispatcher(registry *Registry, sendTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		sendTimeout: sendTimeout,
		newID:       uuid.NewString,
	}
}

// Dispatch sends text to a snapshot of the registry. Blank text is a no-op and
// returns ok=false. Sends run concurrently; a failed send never blocks
// delivery to other connections, and every failed connection is unregistered
// and closed after the sweep.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) (DispatchReport, bool) {
	command := strings.TrimSpace(text)
	if command == "" {
		return DispatchReport{}, false
	}
	report := DispatchReport{
		CommandID: d.newID(),
		Command:   command,
	}

	targets := d.registry.Snapshot()
	if len(targets) == 0 {
		report.NoExecutors = true
		log.Warn().Str("command_id", report.CommandID).Msg("mirage.Dispatch no executors available")
		return report, true
	}

	frame, err := protocol.EncodeCommand(protocol.Command{Command: command, ID: report.CommandID})
	if err != nil {
		// Only reachable for blank commands, filtered above.
		log.Error().Err(err).Msg("mirage.Dispatch encode command")
		return report, true
	}

	report.Attempted = len(targets)
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Connection) {
			defer wg.Done()
			sendCtx := ctx
			if d.sendTimeout > 0 {
				var cancel context.CancelFunc
				sendCtx, cancel = context.WithTimeout(ctx, d.sendTimeout)
				defer cancel()
			}
			errs[i] = target.Conn.Send(sendCtx, frame)
		}(i, target)
	}
	wg.Wait()

	for i, target := range targets {
		if errs[i] != nil {
			report.Failed = append(report.Failed, DispatchFailure{ID: target.ID, Err: errs[i]})
			observability.RecordDispatchSend(false)
			log.Warn().
				Str("conn_id", target.ID.String()).
				Str("command_id", report.CommandID).
				Err(errs[i]).
				Msg("mirage.Dispatch send failed")
			continue
		}
		report.Succeeded = append(report.Succeeded, target.ID)
		observability.RecordDispatchSend(true)
		log.Debug().
			Str("conn_id", target.ID.String()).
			Str("command_id", report.CommandID).
			Msg("mirage.Dispatch sent")
	}

	for _, failure := range report.Failed {
		if conn, ok := d.registry.Unregister(failure.ID); ok {
			_ = conn.Conn.Close()
		}
	}
	return report, true
}
