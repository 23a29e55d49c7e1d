package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// pollInterval is how often AwaitPrompt re-checks the accumulated output
// against the prompt regex between reads becoming available.
const pollInterval = 5 * time.Millisecond

// Process owns one spawned debugger subprocess, driven through a
// pseudo-terminal. It is the "await_prompt() -> captured_bytes"
// abstraction spec §9 calls for: callers never see PTY file descriptors,
// only Write/AwaitPrompt/Interrupt/Close.
type Process struct {
	mu         sync.Mutex
	ptm        *os.File
	cmd        *exec.Cmd
	output     bytes.Buffer
	done       chan struct{}
	closed     bool
	transcript io.Writer
}

// SetTranscript attaches w as the raw transcript sink: every byte written
// to or read from the backend's PTY is teed to it, unframed, for the
// per-rank log's post-mortem record (spec §6.5). Safe to call only before
// the process has started producing output that must be captured; a
// failed write to the transcript is logged nowhere and never affects the
// backend interaction itself.
func (p *Process) SetTranscript(w io.Writer) {
	p.mu.Lock()
	p.transcript = w
	p.mu.Unlock()
}

// Spawn starts b's debugger against target and args, wired to a PTY.
func Spawn(b Backend, target string, args []string) (*Process, error) {
	fields := strings.Fields(b.DebugCommand())
	if len(fields) == 0 {
		return nil, fmt.Errorf("backend: empty debug_command for %q", b.Name())
	}

	argv := append([]string{}, fields[1:]...)
	argv = append(argv, b.ArgumentSeparator(), target)
	argv = append(argv, args...)

	cmd := exec.Command(fields[0], argv...)
	cmd.Env = append(os.Environ(), "TERM=dumb")

	ptm, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("backend: spawning %s: %w", b.Name(), err)
	}

	p := &Process{ptm: ptm, cmd: cmd, done: make(chan struct{})}
	go p.readLoop()
	return p, nil
}

func (p *Process) readLoop() {
	defer close(p.done)
	buf := make([]byte, 4096)
	for {
		n, err := p.ptm.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.output.Write(buf[:n])
			if p.transcript != nil {
				_, _ = p.transcript.Write(buf[:n])
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// WriteLine writes s followed by a newline to the backend's stdin.
func (p *Process) WriteLine(s string) error {
	p.mu.Lock()
	ptm, closed, transcript := p.ptm, p.closed, p.transcript
	p.mu.Unlock()
	if closed {
		return fmt.Errorf("backend: process closed")
	}
	if transcript != nil {
		_, _ = transcript.Write([]byte(s + "\n"))
	}
	_, err := ptm.WriteString(s + "\n")
	return err
}

// AwaitPrompt blocks until output captured since the last AwaitPrompt
// call matches b's prompt regex, the process exits (EOF), or ctx is
// done. It returns the newly captured bytes up to and including the
// prompt match, stripped of terminal bracketed-paste escape sequences some
// backends (notably gdb under certain readline configs) emit around pasted
// input.
func (p *Process) AwaitPrompt(ctx context.Context, b Backend) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if out, ok := p.checkPrompt(b); ok {
			return out, nil
		}
		select {
		case <-p.done:
			// EOF: return whatever accumulated since the last read.
			p.mu.Lock()
			out := stripBracketedPaste(p.output.String())
			p.output.Reset()
			p.mu.Unlock()
			return out, fmt.Errorf("backend: process closed")
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Process) checkPrompt(b Backend) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := p.output.Bytes()
	loc := b.PromptRegexp().FindIndex(data)
	if loc == nil {
		return "", false
	}
	captured := stripBracketedPaste(string(data[:loc[1]]))
	p.output.Reset()
	// Anything after the match (unlikely, since the registered prompt
	// regexes are anchored with \s*$, but defensive) is preserved for the
	// next call.
	if loc[1] < len(data) {
		p.output.Write(data[loc[1]:])
	}
	return captured, true
}

// stripBracketedPaste removes the ESC[200~ / ESC[201~ bracketed-paste
// markers some terminals/readline configurations wrap pasted input in;
// left in place they'd otherwise show up verbatim in captured output.
func stripBracketedPaste(s string) string {
	s = strings.ReplaceAll(s, "\x1b[200~", "")
	s = strings.ReplaceAll(s, "\x1b[201~", "")
	return s
}

// Interrupt sends the backend-interrupt signal (SIGINT) to the debugger
// process, the mechanism the worker uses to cancel an in-flight command
// (spec §4.2).
func (p *Process) Interrupt() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("backend: process not running")
	}
	return cmd.Process.Signal(syscall.SIGINT)
}

// Alive reports whether the backend process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Close terminates the backend process and releases the PTY.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ptm := p.ptm
	cmd := p.cmd
	p.mu.Unlock()

	var errs []error
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if ptm != nil {
		if err := ptm.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	select {
	case <-p.done:
	case <-time.After(time.Second):
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
