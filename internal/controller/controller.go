// Package controller implements the mdb client (spec §4.3): it mediates
// between an interactive shell and the exchange, translating shell
// commands into protocol Messages and exchange responses back into
// per-rank strings, including the out-of-band interrupt path.
package controller

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TomMelt/mdb-go/internal/message"
	"github.com/TomMelt/mdb-go/internal/pki"
	"github.com/TomMelt/mdb-go/internal/wire"
)

// Topology is what the exchange tells a controller on attach: the job's
// total rank count, the backend family, and the select string of ranks
// actually debuggable (spec §6.1 mdb_conn_response payload).
type Topology struct {
	NoOfRanks   int
	BackendName string
	SelectStr   string
}

// Controller owns one connection to the exchange for the lifetime of a
// shell session.
type Controller struct {
	Logger       *slog.Logger
	ExchangeAddr string
	TLSConfig    *tls.Config
	MaxAttempts  int
	RetryDelay   time.Duration

	conn     *wire.Connection
	Topology Topology

	sendMu sync.Mutex
}

// New builds a Controller ready to Connect.
func New(logger *slog.Logger, exchangeAddr string, tlsCfg *tls.Config, maxAttempts int, retryDelay time.Duration) *Controller {
	return &Controller{
		Logger:       logger.With("component", "controller"),
		ExchangeAddr: exchangeAddr,
		TLSConfig:    tlsCfg,
		MaxAttempts:  maxAttempts,
		RetryDelay:   retryDelay,
	}
}

// ConnectionError mirrors worker.ConnectionError: surfaced when the
// controller exhausts MaxAttempts without reaching the exchange (spec §4.3,
// §7, scenario S6).
type ConnectionError struct {
	Addr  string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("couldn't connect to exchange server at %s.", e.Addr)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Connect performs the mdb_conn_request/response handshake of spec §4.3,
// retrying with the same policy as the worker since the controller may
// race the exchange's startup too.
func (c *Controller) Connect() (Topology, error) {
	var lastErr error
	var conn *wire.Connection
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		raw, err := pki.Dial(c.ExchangeAddr, c.TLSConfig)
		if err == nil {
			conn = wire.NewConnection(raw)
			break
		}
		lastErr = err
		c.Logger.Debug("connect attempt failed", "attempt", attempt, "error", err)
		time.Sleep(c.RetryDelay)
	}
	if conn == nil {
		return Topology{}, &ConnectionError{Addr: c.ExchangeAddr, Cause: lastErr}
	}

	if err := conn.Send(message.New(message.TagMdbConnRequest, map[string]any{"from": message.FromMdbClient})); err != nil {
		conn.Close()
		return Topology{}, fmt.Errorf("controller: sending mdb_conn_request: %w", err)
	}

	resp, err := conn.Receive()
	if err != nil {
		conn.Close()
		return Topology{}, fmt.Errorf("controller: waiting for mdb_conn_response: %w", err)
	}
	if resp.Type != message.TagMdbConnResponse {
		conn.Close()
		return Topology{}, fmt.Errorf("controller: expected mdb_conn_response, got %q", resp.Type)
	}

	topo := Topology{
		BackendName: resp.String("backend_name"),
		SelectStr:   resp.String("select_str"),
	}
	if n, ok := resp.Data["no_of_ranks"].(int64); ok {
		topo.NoOfRanks = int(n)
	}

	c.conn = conn
	c.Topology = topo
	return topo, nil
}

// Close closes the connection to the exchange.
func (c *Controller) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// InfoFunc is called for every exchange_info notice encountered while
// waiting for a command's aggregated response (spec §3 "Supplemented
// features": ensure_debuggers progress is reported as it happens, not only
// on completion).
type InfoFunc func(message string)

// RunCommand sends one mdb_command_request and blocks for its aggregated
// response (spec §4.3 "run_command"). exchange_info notices encountered
// along the way are reported via onInfo, if non-nil, and do not end the
// wait.
func (c *Controller) RunCommand(command string, selectRanks []int, onInfo InfoFunc) (map[int]string, error) {
	sel := make([]any, len(selectRanks))
	for i, r := range selectRanks {
		sel[i] = r
	}

	c.send(message.New(message.TagMdbCommandRequest, map[string]any{
		"command": command,
		"select":  sel,
	}))

	for {
		resp, err := c.conn.Receive()
		if err != nil {
			return nil, fmt.Errorf("controller: waiting for response: %w", err)
		}

		switch resp.Type {
		case message.TagExchangeCommandResp:
			return resultsToStrings(resp.Data["results"])
		case message.TagExchangeInfo:
			if onInfo != nil {
				onInfo(resp.String("message"))
			}
			continue
		default:
			return nil, fmt.Errorf("controller: protocol error: unexpected response tag %q", resp.Type)
		}
	}
}

// Ping sends a liveness probe and waits for the aggregated pong (spec §3
// "Supplemented features": ping/pong wired end-to-end, scenario S5).
func (c *Controller) Ping() error {
	c.send(message.New(message.TagPing, nil))
	for {
		resp, err := c.conn.Receive()
		if err != nil {
			return fmt.Errorf("controller: waiting for pong: %w", err)
		}
		switch resp.Type {
		case message.TagPong:
			return nil
		case message.TagExchangeInfo:
			continue
		default:
			return fmt.Errorf("controller: protocol error: unexpected response tag %q", resp.Type)
		}
	}
}

// SendInterrupt fires mdb_interrupt_request and returns immediately
// without waiting for a reply; the in-flight RunCommand's read receives
// the interrupt's aggregated response in its place (spec §4.3
// "send_interrupt", §5 concurrency note). Intended to be called from a
// signal handler while RunCommand is blocked.
func (c *Controller) SendInterrupt() {
	c.send(message.New(message.TagMdbInterruptRequest, map[string]any{"command": message.InterruptCommand}))
}

func (c *Controller) send(m message.Message) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.Send(m); err != nil {
		c.Logger.Warn("sending message to exchange failed", "type", m.Type, "error", err)
	}
}

// resultsToStrings converts exchange_command_response's results (already
// keyed by int, per wire.ReadMessage's coercion) into map[int]string.
func resultsToStrings(raw any) (map[int]string, error) {
	m, ok := raw.(map[int]any)
	if !ok {
		return nil, fmt.Errorf("controller: exchange_command_response.results has unexpected type %T", raw)
	}
	out := make(map[int]string, len(m))
	for rank, v := range m {
		s, _ := v.(string)
		out[rank] = s
	}
	return out, nil
}
