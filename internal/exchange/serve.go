package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TomMelt/mdb-go/internal/message"
	"github.com/TomMelt/mdb-go/internal/wire"
)

// ensureDebuggers polls the roster once a second until it's full or
// RegTimeout elapses (spec §4.1.c). On timeout it notifies the
// controller and triggers exchange shutdown.
func (e *Exchange) ensureDebuggers(ctx context.Context) bool {
	deadline := time.Now().Add(e.RegTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if e.Phase() == Serving {
			return true
		}
		if time.Now().After(deadline) {
			e.notifyController("No debuggers connected after timeout period. Exchange server shutting down.")
			e.Shutdown("registration timeout")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-e.shutdownCh:
			return false
		case <-ticker.C:
		}
	}
}

// serveController runs the two concurrent activities of spec §4.1.c for
// one attached controller: forward-up (controller -> every worker) and
// forward-down (every worker -> one aggregated reply to controller).
// sessionID identifies this controller attachment in every log line the
// session produces, and corrIDs carries one correlation id per forwarded
// request from forwardUp to the forwardDown round it completes.
func (e *Exchange) serveController(ctx context.Context, conn *wire.Connection, sessionID string) {
	logger := e.Logger.With("session_id", sessionID)

	defer func() {
		e.mu.Lock()
		if e.controller == conn {
			e.controller = nil
		}
		e.mu.Unlock()
		conn.Close()
		logger.Info("controller detached")
	}()

	if !e.ensureDebuggers(ctx) {
		return
	}

	roster := e.rosterSnapshot()

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(done) })
	}

	corrIDs := make(chan string, 16)

	go func() {
		e.forwardUp(logger, conn, roster, done, corrIDs)
		stop()
	}()

	e.forwardDown(logger, conn, roster, done, corrIDs)
	stop()

	// Controller disconnecting mid-round is a graceful shutdown trigger
	// (spec §7 "Controller EOF mid-round").
	e.Shutdown("controller connection closed")
}

func (e *Exchange) forwardUp(logger *slog.Logger, conn *wire.Connection, roster []*wire.Connection, done <-chan struct{}, corrIDs chan<- string) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			return
		}

		if msg.Type == message.TagMdbCommandRequest {
			if ok, bad := validSelect(msg, len(roster)); !ok {
				e.notifyController(fmt.Sprintf("select contains out-of-range rank %d for %d registered workers", bad, len(roster)))
				continue
			}
		}

		corrID := uuid.NewString()
		logger.Debug("forwarding request to workers", "corr_id", corrID, "msg_type", msg.Type)
		for _, wc := range roster {
			if err := wc.Send(msg); err != nil {
				logger.Warn("forwarding message to worker failed", "corr_id", corrID, "error", err)
			}
		}

		select {
		case corrIDs <- corrID:
		case <-done:
			return
		}

		select {
		case <-done:
			return
		default:
		}
	}
}

func (e *Exchange) forwardDown(logger *slog.Logger, conn *wire.Connection, roster []*wire.Connection, done <-chan struct{}, corrIDs <-chan string) {
	for {
		var corrID string
		select {
		case <-done:
			return
		case corrID = <-corrIDs:
		}

		msgs := make([]message.Message, len(roster))
		errs := make([]error, len(roster))
		var wg sync.WaitGroup
		for i, wc := range roster {
			wg.Add(1)
			go func(i int, wc *wire.Connection) {
				defer wg.Done()
				m, err := wc.Receive()
				msgs[i] = m
				errs[i] = err
			}(i, wc)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				logger.Info("worker connection lost during round", "corr_id", corrID, "error", err)
				return
			}
		}

		agg, err := aggregate(msgs)
		if err != nil {
			logger.Error("mixed response tags in round, dropping", "corr_id", corrID, "error", err)
			continue
		}

		logger.Debug("round aggregated", "corr_id", corrID, "response_type", agg.Type)
		if err := conn.Send(agg); err != nil {
			logger.Info("sending aggregated response to controller failed", "corr_id", corrID, "error", err)
			return
		}
	}
}

// validSelect checks a mdb_command_request's select list against the
// number of registered workers (spec §8 boundary behaviour: a rank
// beyond roster size MUST be rejected rather than silently forwarded).
func validSelect(msg message.Message, rosterLen int) (bool, int) {
	raw, _ := msg.Data["select"].([]any)
	for _, v := range raw {
		n, ok := toInt(v)
		if !ok {
			continue
		}
		if n < 0 || n >= rosterLen {
			return false, n
		}
	}
	return true, 0
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int64:
		return int(t), true
	case int:
		return t, true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

// aggregate combines one response per roster worker into a single
// Message to the controller (spec §4.1.c "Aggregation"). All responses
// must share the same tag; mixing is a protocol desync and yields an
// error instead of a Message.
func aggregate(msgs []message.Message) (message.Message, error) {
	if len(msgs) == 0 {
		return message.New(message.TagExchangeCommandResp, map[string]any{"results": map[int]any{}}), nil
	}

	tag := msgs[0].Type
	for _, m := range msgs[1:] {
		if m.Type != tag {
			return message.Message{}, fmt.Errorf("exchange: mixed response tags in round: %q and %q", tag, m.Type)
		}
	}

	switch tag {
	case message.TagDebugCommandResp:
		results := make(map[int]any, len(msgs))
		for _, m := range msgs {
			rank, value, err := singleResultEntry(m)
			if err != nil {
				return message.Message{}, err
			}
			results[rank] = value
		}
		return message.New(message.TagExchangeCommandResp, map[string]any{"results": results}), nil
	case message.TagPong:
		return message.New(message.TagPong, nil), nil
	default:
		return message.Message{}, fmt.Errorf("exchange: unexpected worker response tag %q", tag)
	}
}

// singleResultEntry extracts debug_command_response's one {rank: output}
// entry from m.Data["result"].
func singleResultEntry(m message.Message) (int, string, error) {
	raw, ok := m.Data["result"].(map[string]any)
	if !ok || len(raw) != 1 {
		return 0, "", fmt.Errorf("exchange: debug_command_response.result must have exactly one entry, got %v", m.Data["result"])
	}
	for k, v := range raw {
		rank, err := parseRankKey(k)
		if err != nil {
			return 0, "", err
		}
		s, _ := v.(string)
		return rank, s, nil
	}
	panic("unreachable")
}

func parseRankKey(k string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(k, "%d", &n); err != nil {
		return 0, fmt.Errorf("exchange: non-integer rank key %q in debug_command_response.result: %w", k, err)
	}
	return n, nil
}
