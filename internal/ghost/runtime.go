package ghost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/danmuck/edgectl/internal/observability"
	"github.com/danmuck/edgectl/internal/protocol"
	"github.com/danmuck/edgectl/internal/protocol/session"
	"github.com/danmuck/edgectl/internal/tools"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	ErrExecutorBusy   = errors.New("ghost: executor busy")
	ErrCommandTimeout = errors.New("ghost: command timed out")
	ErrOutputEncoding = errors.New("ghost: command output is not valid UTF-8")
)

// RuntimeState is the observable phase of one Runtime.
type RuntimeState string

const (
	StateAwaiting        RuntimeState = "awaiting"
	StateDecoding        RuntimeState = "decoding"
	StateExecuting       RuntimeState = "executing"
	StateSendingResponse RuntimeState = "sending_response"
	StateClosed          RuntimeState = "closed"
)

// RuntimeConfig bounds per-connection execution.
type RuntimeConfig struct {
	// QueueDepth is how many commands may wait behind the one executing.
	// Zero rejects every command that arrives while another is running.
	QueueDepth int
	// CommandTimeout kills a command after this long. Zero disables it.
	CommandTimeout time.Duration
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{QueueDepth: 16}
}

// Runtime serves one Mirage connection until it closes.
type Runtime struct {
	conn   session.Conn
	runner tools.CommandRunner
	cfg    RuntimeConfig

	readerState atomic.Value
	workerState atomic.Value
	closed      atomic.Bool
	pending     atomic.Int64
	executed    atomic.Uint64
	rejected    atomic.Uint64
}

func NewRuntime(conn session.Conn, runner tools.CommandRunner, cfg RuntimeConfig) *Runtime {
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	if cfg.CommandTimeout < 0 {
		cfg.CommandTimeout = 0
	}
	r := &Runtime{conn: conn, runner: runner, cfg: cfg}
	r.readerState.Store(StateAwaiting)
	r.workerState.Store(StateAwaiting)
	return r
}

// State reports the current phase. Execution phases take precedence over the
// reader phase because the reader keeps listening while a command runs.
func (r *Runtime) State() RuntimeState {
	if r.closed.Load() {
		return StateClosed
	}
	if ws := r.workerState.Load().(RuntimeState); ws != StateAwaiting {
		return ws
	}
	return r.readerState.Load().(RuntimeState)
}

// Executed is the number of commands run to a response on this connection.
func (r *Runtime) Executed() uint64 {
	return r.executed.Load()
}

// Rejected is the number of commands answered with a busy response.
func (r *Runtime) Rejected() uint64 {
	return r.rejected.Load()
}

// Run blocks until the connection closes or a response cannot be sent. A
// clean close from either side returns nil; a failed response send returns
// that error.
func (r *Runtime) Run(ctx context.Context) error {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.closed.Store(true)

	// One slot for the running command plus QueueDepth waiting behind it.
	queue := make(chan protocol.Command, r.cfg.QueueDepth+1)
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- r.work(workCtx, queue)
	}()

	recvErr := r.readLoop(workCtx, queue)
	cancel()
	close(queue)
	werr := <-workerErr
	_ = r.conn.Close()

	if werr != nil {
		return werr
	}
	if recvErr != nil && !session.IsClosed(recvErr) {
		return recvErr
	}
	return nil
}

func (r *Runtime) readLoop(ctx context.Context, queue chan<- protocol.Command) error {
	warn := rate.NewLimiter(rate.Every(time.Second), 5)
	for {
		r.readerState.Store(StateAwaiting)
		frame, err := r.conn.Receive()
		if err != nil {
			return err
		}
		r.readerState.Store(StateDecoding)
		msg, err := protocol.Decode(frame)
		if err != nil {
			observability.RecordMalformedFrame("ghost")
			if warn.Allow() {
				log.Warn().Err(err).Msg("ghost.Runtime dropped frame")
			}
			continue
		}
		if msg.Command == nil {
			log.Debug().Str("kind", string(msg.Kind)).Msg("ghost.Runtime ignored frame")
			continue
		}
		cmd := *msg.Command
		if cmd.Command == "" {
			continue
		}
		log.Info().Str("command_id", cmd.ID).Str("command", cmd.Command).Msg("ghost.Runtime received command")

		if r.pending.Load() > int64(r.cfg.QueueDepth) {
			r.rejected.Add(1)
			log.Warn().Str("command_id", cmd.ID).Msg("ghost.Runtime busy, rejecting command")
			if err := r.send(ctx, protocol.LaunchFailure(cmd.ID, ErrExecutorBusy)); err != nil {
				return err
			}
			continue
		}
		r.pending.Add(1)
		queue <- cmd
	}
}

func (r *Runtime) work(ctx context.Context, queue <-chan protocol.Command) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-queue:
			if !ok {
				return nil
			}
			r.workerState.Store(StateExecuting)
			resp := r.execute(ctx, cmd)
			if ctx.Err() != nil {
				r.pending.Add(-1)
				r.workerState.Store(StateAwaiting)
				return nil
			}
			r.workerState.Store(StateSendingResponse)
			err := r.send(ctx, resp)
			r.pending.Add(-1)
			r.workerState.Store(StateAwaiting)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Unblock the reader; the session is over.
				_ = r.conn.Close()
				return err
			}
			r.executed.Add(1)
		}
	}
}

func (r *Runtime) execute(ctx context.Context, cmd protocol.Command) protocol.Response {
	execCtx := ctx
	if r.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.cfg.CommandTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := r.runner.RunShell(execCtx, cmd.Command)
	elapsed := time.Since(start)

	var resp protocol.Response
	switch {
	case err != nil && !res.Started:
		resp = protocol.LaunchFailure(cmd.ID, err)
	case !utf8.Valid(res.Stdout) || !utf8.Valid(res.Stderr):
		// JSON frames carry text only; undecodable output is reported, never replaced.
		resp = protocol.LaunchFailure(cmd.ID, outputEncodingError(res))
		if err != nil {
			resp.Error = joinErrorText(resp.Error, err.Error())
		}
	case err != nil:
		resp = protocol.NewResponse(cmd.ID, string(res.Stdout), string(res.Stderr), res.ExitCode)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrCommandTimeout, r.cfg.CommandTimeout)
		}
		resp.Status = protocol.StatusError
		if resp.ExitCode == 0 {
			resp.ExitCode = protocol.ExitCodeLaunchFailure
		}
		resp.Error = joinErrorText(resp.Error, err.Error())
	default:
		resp = protocol.NewResponse(cmd.ID, string(res.Stdout), string(res.Stderr), res.ExitCode)
	}

	observability.RecordCommand(string(resp.Status), elapsed)
	log.Info().
		Str("command_id", cmd.ID).
		Int("exit_code", resp.ExitCode).
		Dur("elapsed", elapsed).
		Msg("ghost.Runtime command executed")
	return resp
}

func outputEncodingError(res tools.Result) error {
	stream := "stdout"
	if utf8.Valid(res.Stdout) {
		stream = "stderr"
	}
	return fmt.Errorf("%w: %s (exit code %d)", ErrOutputEncoding, stream, res.ExitCode)
}

func (r *Runtime) send(ctx context.Context, resp protocol.Response) error {
	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	if err := r.conn.Send(ctx, frame); err != nil {
		log.Warn().Err(err).Str("command_id", resp.ID).Msg("ghost.Runtime send response")
		return fmt.Errorf("ghost: send response: %w", err)
	}
	observability.RecordResponse("ghost", string(resp.Status))
	return nil
}

func joinErrorText(stderr string, msg string) string {
	if stderr == "" {
		return msg
	}
	if !strings.HasSuffix(stderr, "\n") {
		stderr += "\n"
	}
	return stderr + msg
}
