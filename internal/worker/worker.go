// Package worker implements the per-rank debug client (spec §4.2): it owns
// exactly one backend debugger subprocess and executes commands against it
// on behalf of its rank, supporting cooperative cancellation of an
// in-flight command.
package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TomMelt/mdb-go/internal/backend"
	"github.com/TomMelt/mdb-go/internal/message"
	"github.com/TomMelt/mdb-go/internal/pki"
	"github.com/TomMelt/mdb-go/internal/wire"
)

// dumpBinaryValue matches the command family whose $RANK$ placeholder must
// be substituted with the worker's own rank (spec §4.2).
var dumpBinaryValue = regexp.MustCompile(`^dump binary value\b`)

// bracketedPasteToggle strips the terminal bracketed-paste mode toggle
// sequences (ESC[?2004l, ESC[?2004h), optionally followed by a CR, from a
// command's captured output before it is placed in a debug_command_response
// (spec §4.2). This is distinct from backend.Process's own PTY-level
// bracketed-paste *marker* stripping (ESC[200~/ESC[201~): that one cleans
// terminal echo noise at read time, this one is the response-formatting
// step the spec calls out explicitly.
var bracketedPasteToggle = regexp.MustCompile(`\x1b\[\?2004[hl]\r?`)

func stripBracketedPasteToggle(s string) string {
	return bracketedPasteToggle.ReplaceAllString(s, "")
}

// closedProcessMessage is the literal response substituted for any command
// directed at a rank whose backend has already exited (spec §4.2, §7).
const closedProcessMessage = "\r\nDebug process is closed. Please re-launch mdb.\r\n"

// Worker drives one rank's debugger backend and serves the exchange.
type Worker struct {
	Logger      *slog.Logger
	Rank         int
	Backend      backend.Backend
	Target       string
	TargetArgs   []string
	ExchangeAddr string
	TLSConfig    *tls.Config
	MaxAttempts  int
	RetryDelay   time.Duration

	// Transcript, if set, receives a raw tee of everything written to and
	// read from the backend's PTY (spec §6.5 rank log). Callers set it
	// after New returns, before Run; nil means no transcript is kept.
	Transcript io.Writer

	proc *backend.Process

	sendMu sync.Mutex

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	gen     uint64
}

// New builds a Worker ready to Run.
func New(logger *slog.Logger, rank int, b backend.Backend, target string, args []string, exchangeAddr string, tlsCfg *tls.Config, maxAttempts int, retryDelay time.Duration) *Worker {
	return &Worker{
		Logger:       logger.With("component", "worker", "rank", rank),
		Rank:         rank,
		Backend:      b,
		Target:       target,
		TargetArgs:   args,
		ExchangeAddr: exchangeAddr,
		TLSConfig:    tlsCfg,
		MaxAttempts:  maxAttempts,
		RetryDelay:   retryDelay,
	}
}

// Run is the worker's end-to-end lifecycle (spec §4.2 "run()"): connect,
// initialise the backend, announce readiness, then serve until the
// connection breaks.
func (w *Worker) Run(ctx context.Context) error {
	conn, err := w.connectToExchange(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(message.New(message.TagDebugConnRequest, map[string]any{"from": message.FromDebugClient})); err != nil {
		return fmt.Errorf("worker: sending debug_conn_request: %w", err)
	}
	ack, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("worker: waiting for debug_conn_response: %w", err)
	}
	if ack.Type != message.TagMdbConnResponse {
		return fmt.Errorf("worker: expected debug_conn_response, got %q", ack.Type)
	}

	if err := w.initDebugProc(ctx); err != nil {
		return fmt.Errorf("worker: initialising backend: %w", err)
	}
	defer w.proc.Close()

	if err := conn.Send(message.New(message.TagDebugInitComplete, nil)); err != nil {
		return fmt.Errorf("worker: sending debug_init_complete: %w", err)
	}

	w.Logger.Info("worker ready, serving exchange")
	return w.serve(ctx, conn)
}

// connectToExchange is the retry-with-sleep policy of spec §4.2
// "connect_to_exchange": workers race the exchange's startup, so failures
// up to MaxAttempts are expected, not fatal.
func (w *Worker) connectToExchange(ctx context.Context) (*wire.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= w.MaxAttempts; attempt++ {
		conn, err := pki.Dial(w.ExchangeAddr, w.TLSConfig)
		if err == nil {
			return wire.NewConnection(conn), nil
		}
		lastErr = err
		w.Logger.Debug("connect attempt failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.RetryDelay):
		}
	}
	return nil, &ConnectionError{Addr: w.ExchangeAddr, Cause: lastErr}
}

// initDebugProc spawns the backend, drives it to its first prompt, sends
// its default options (one per line, waiting for the prompt between each),
// then its start command (spec §4.2 "init_debug_proc").
func (w *Worker) initDebugProc(ctx context.Context) error {
	proc, err := backend.Spawn(w.Backend, w.Target, w.TargetArgs)
	if err != nil {
		return err
	}
	w.proc = proc
	if w.Transcript != nil {
		proc.SetTranscript(w.Transcript)
	}

	if _, err := proc.AwaitPrompt(ctx, w.Backend); err != nil {
		return fmt.Errorf("waiting for initial prompt: %w", err)
	}
	for _, opt := range w.Backend.DefaultOptions() {
		if err := proc.WriteLine(opt); err != nil {
			return fmt.Errorf("sending default option %q: %w", opt, err)
		}
		if _, err := proc.AwaitPrompt(ctx, w.Backend); err != nil {
			return fmt.Errorf("waiting for prompt after %q: %w", opt, err)
		}
	}
	if err := proc.WriteLine(w.Backend.StartCommand()); err != nil {
		return fmt.Errorf("sending start command: %w", err)
	}
	if _, err := proc.AwaitPrompt(ctx, w.Backend); err != nil {
		return fmt.Errorf("waiting for prompt after start command: %w", err)
	}
	return nil
}

// serve is the worker's receive loop: every message produces exactly one
// response, even for commands directed at a different rank, preserving the
// exchange's per-round barrier (spec §4.2 invariants).
func (w *Worker) serve(ctx context.Context, conn *wire.Connection) error {
	for {
		msg, err := conn.Receive()
		if err != nil {
			return fmt.Errorf("worker: connection to exchange lost: %w", err)
		}

		switch msg.Type {
		case message.TagPing:
			w.send(conn, message.New(message.TagPong, nil))
		case message.TagMdbCommandRequest:
			w.handleCommand(ctx, conn, msg)
		case message.TagMdbInterruptRequest:
			w.handleInterrupt(ctx, conn, msg)
		default:
			w.Logger.Warn("unknown message tag, ignoring", "type", msg.Type)
		}
	}
}

func (w *Worker) send(conn *wire.Connection, msg message.Message) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if err := conn.Send(msg); err != nil {
		w.Logger.Warn("sending response to exchange failed", "error", err)
	}
}

// handleCommand implements the normal command path of spec §4.2
// "execute_command". The backend write happens synchronously, before this
// call returns, so that a subsequently-arriving interrupt targets the
// right in-flight task; awaiting the resulting prompt happens in a
// goroutine so the worker's receive loop can observe that interrupt while
// the command is still running.
func (w *Worker) handleCommand(ctx context.Context, conn *wire.Connection, msg message.Message) {
	rankKey := strconv.Itoa(w.Rank)
	command, _ := msg.Data["command"].(string)
	inSelect := rankInSelect(msg.Data["select"], w.Rank)

	if !inSelect {
		w.send(conn, message.New(message.TagDebugCommandResp, map[string]any{
			"result": map[string]any{rankKey: ""},
		}))
		return
	}

	if w.proc == nil || !w.proc.Alive() {
		w.send(conn, message.New(message.TagDebugCommandResp, map[string]any{
			"result": map[string]any{rankKey: closedProcessMessage},
		}))
		return
	}

	if dumpBinaryValue.MatchString(command) {
		command = strings.ReplaceAll(command, "$RANK$", rankKey)
	}

	if err := w.proc.WriteLine(command); err != nil {
		w.send(conn, message.New(message.TagDebugCommandResp, map[string]any{
			"result": map[string]any{rankKey: closedProcessMessage},
		}))
		return
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	w.stateMu.Lock()
	w.running = true
	w.cancel = cancel
	w.gen++
	myGen := w.gen
	w.stateMu.Unlock()

	go func() {
		out, err := w.proc.AwaitPrompt(cmdCtx, w.Backend)

		w.stateMu.Lock()
		current := w.gen == myGen
		if current {
			w.running = false
			w.cancel = nil
		}
		w.stateMu.Unlock()

		if cmdCtx.Err() != nil {
			// Cancelled by an interrupt: that task emits the response
			// instead (spec §5 "Interrupt replaces response").
			return
		}
		if !current {
			return
		}

		result := stripBracketedPasteToggle(out)
		if err != nil {
			result = closedProcessMessage
		}
		w.send(conn, message.New(message.TagDebugCommandResp, map[string]any{
			"result": map[string]any{rankKey: result},
		}))
	}()
}

// handleInterrupt implements spec §4.2's interrupt path: cancel the
// in-flight command, signal the backend, wait for its prompt to return,
// and emit exactly one response in place of the cancelled command's. If
// nothing is running, the interrupt is dropped silently.
func (w *Worker) handleInterrupt(ctx context.Context, conn *wire.Connection, _ message.Message) {
	w.stateMu.Lock()
	if !w.running {
		w.stateMu.Unlock()
		return
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.gen++
	w.stateMu.Unlock()

	cancel()

	rankKey := strconv.Itoa(w.Rank)
	success := true
	if err := w.proc.Interrupt(); err != nil {
		w.Logger.Warn("sending interrupt signal to backend failed", "error", err)
		success = false
	}

	out, err := w.proc.AwaitPrompt(ctx, w.Backend)
	if err != nil {
		success = false
	}

	result := stripBracketedPasteToggle(out) + "\r\n" + interruptSuffix(success)
	w.send(conn, message.New(message.TagDebugCommandResp, map[string]any{
		"result": map[string]any{rankKey: result},
	}))
}

func interruptSuffix(success bool) string {
	if success {
		return "Interrupted: True\r\n"
	}
	return "Interrupted: False\r\n"
}

// rankInSelect reports whether rank appears in the raw "select" field of a
// mdb_command_request, which arrives as []any of JSON numbers.
func rankInSelect(raw any, rank int) bool {
	list, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		switch n := v.(type) {
		case int64:
			if int(n) == rank {
				return true
			}
		case int:
			if n == rank {
				return true
			}
		case float64:
			if int(n) == rank {
				return true
			}
		}
	}
	return false
}
