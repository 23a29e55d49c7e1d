// Package exchange implements the broker at the centre of mdb: it
// accepts worker and controller connections, runs the registration
// barrier, and fans commands out to the worker roster while collating
// their responses back to the controller (spec §4.1).
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TomMelt/mdb-go/internal/backend"
	"github.com/TomMelt/mdb-go/internal/message"
	"github.com/TomMelt/mdb-go/internal/rankset"
	"github.com/TomMelt/mdb-go/internal/wire"
)

// Phase is the exchange's lifecycle state (spec §4.1 state machine).
type Phase int

const (
	Initialising Phase = iota
	Registering
	Serving
	Draining
)

func (p Phase) String() string {
	switch p {
	case Initialising:
		return "initialising"
	case Registering:
		return "registering"
	case Serving:
		return "serving"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// RegistrationTimeout bounds how long the exchange waits for the worker
// roster to fill before giving up (spec §4.1.c "ensure_debuggers").
const RegistrationTimeout = 10 * time.Second

// LaunchTask is the opaque handle to the MPI launcher subprocess the
// exchange kills on shutdown (spec §3.6 launch_task). A nil LaunchTask is
// fine for standalone/test use.
type LaunchTask interface {
	Kill() error
}

// Exchange is the broker process: one per job.
type Exchange struct {
	Logger      *slog.Logger
	Backend     backend.Backend
	Select      rankset.RankSet
	NumRanks    int
	LaunchTask  LaunchTask
	RegTimeout  time.Duration

	mu         sync.Mutex
	phase      Phase
	roster     []*wire.Connection
	controller *wire.Connection

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds an Exchange ready to Run against a listener.
func New(logger *slog.Logger, b backend.Backend, sel rankset.RankSet, numRanks int, launchTask LaunchTask) *Exchange {
	return &Exchange{
		Logger:     logger.With("component", "exchange"),
		Backend:    b,
		Select:     sel,
		NumRanks:   numRanks,
		LaunchTask: launchTask,
		RegTimeout: RegistrationTimeout,
		phase:      Initialising,
		shutdownCh: make(chan struct{}),
	}
}

// Phase returns the exchange's current lifecycle phase.
func (e *Exchange) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Done returns a channel closed once the exchange has begun shutting down.
func (e *Exchange) Done() <-chan struct{} {
	return e.shutdownCh
}

// Run accepts connections on ln until ctx is cancelled or Shutdown is
// called. It mirrors the teacher's accept-loop shape: goroutine-per
// connection, with a short backoff on transient accept errors.
func (e *Exchange) Run(ctx context.Context, ln net.Listener) error {
	e.mu.Lock()
	e.phase = Registering
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			e.Shutdown("context cancelled")
		case <-e.shutdownCh:
		}
		ln.Close()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-e.shutdownCh:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			e.Logger.Warn("accept error, backing off", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-e.shutdownCh:
				return nil
			}
			continue
		}
		backoff = 0
		go e.handleConnection(ctx, wire.NewConnection(conn))
	}
}

// Shutdown begins graceful teardown: it kills the launcher (which reaps
// the workers via MPI) and stops the accept loop. Safe to call multiple
// times and from any goroutine.
func (e *Exchange) Shutdown(reason string) {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.phase = Draining
		e.mu.Unlock()
		e.Logger.Info("exchange shutting down", "reason", reason)
		if e.LaunchTask != nil {
			if err := e.LaunchTask.Kill(); err != nil {
				e.Logger.Warn("killing launch task", "error", err)
			}
		}
		close(e.shutdownCh)
	})
}

func (e *Exchange) handleConnection(ctx context.Context, conn *wire.Connection) {
	first, err := conn.Receive()
	if err != nil {
		e.Logger.Debug("connection closed before handshake", "error", err)
		conn.Close()
		return
	}

	switch first.From() {
	case message.FromDebugClient:
		e.handleWorker(conn, first)
	case message.FromMdbClient:
		e.handleController(ctx, conn, first)
	default:
		e.Logger.Warn("rejecting connection with unrecognised peer class", "from", first.From(), "remote", conn.RemoteAddr())
		conn.Close()
	}
}

func (e *Exchange) handleWorker(conn *wire.Connection, first message.Message) {
	if first.Type != message.TagDebugConnRequest {
		e.Logger.Warn("worker handshake: unexpected first message", "type", first.Type)
		conn.Close()
		return
	}

	if err := conn.Send(message.New(message.TagMdbConnResponse, nil)); err != nil {
		e.Logger.Warn("worker handshake: sending debug_conn_response", "error", err)
		conn.Close()
		return
	}

	second, err := conn.Receive()
	if err != nil || second.Type != message.TagDebugInitComplete {
		e.Logger.Warn("worker registration failed", "error", err, "type", second.Type)
		conn.Close()
		return
	}

	e.mu.Lock()
	if e.phase == Draining {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.roster = append(e.roster, conn)
	n := len(e.roster)
	total := e.Select.Len()
	full := n == total
	if full {
		e.phase = Serving
	}
	e.mu.Unlock()

	e.Logger.Info("worker registered", "progress", fmt.Sprintf("%d/%d", n, total))
	e.notifyController(fmt.Sprintf("connecting to debuggers ... (%d/%d)", n, total))
}

func (e *Exchange) handleController(ctx context.Context, conn *wire.Connection, first message.Message) {
	if first.Type != message.TagMdbConnRequest {
		e.Logger.Warn("controller handshake: unexpected first message", "type", first.Type)
		conn.Close()
		return
	}

	resp := message.New(message.TagMdbConnResponse, map[string]any{
		"no_of_ranks":  e.NumRanks,
		"backend_name": e.Backend.Name(),
		"select_str":   e.Select.String(),
	})
	if err := conn.Send(resp); err != nil {
		e.Logger.Warn("controller handshake: sending mdb_conn_response", "error", err)
		conn.Close()
		return
	}

	e.mu.Lock()
	e.controller = conn
	e.mu.Unlock()

	sessionID := uuid.NewString()
	e.Logger.Info("controller attached", "session_id", sessionID, "remote", conn.RemoteAddr())

	go e.serveController(ctx, conn, sessionID)
}

// notifyController sends an exchange_info message to the currently
// attached controller, if any. Best-effort: a send failure is logged,
// never fatal.
func (e *Exchange) notifyController(msg string) {
	e.mu.Lock()
	c := e.controller
	e.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.Send(message.New(message.TagExchangeInfo, map[string]any{"message": msg})); err != nil {
		e.Logger.Debug("notifyController: send failed", "error", err)
	}
}

func (e *Exchange) rosterSnapshot() []*wire.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*wire.Connection, len(e.roster))
	copy(out, e.roster)
	return out
}
