// Package backend implements the pluggable debugger backend contract
// (spec §6.4): gdb, lldb and cuda-gdb are registered statically at build
// time, each described purely as data (invocation prefix, prompt regex,
// init commands) so the worker's state machine never has to know
// anything debugger-specific.
package backend

import "regexp"

// Backend describes one debugger family well enough for a worker to
// spawn it, drive it to its prompt, and extract results from it.
type Backend interface {
	// Name is the backend's registry key, e.g. "gdb".
	Name() string
	// DebugCommand is the invocation prefix, e.g. "gdb -q".
	DebugCommand() string
	// ArgumentSeparator splits the debugger's own flags from the target's,
	// e.g. "--args" (gdb) or "--" (lldb).
	ArgumentSeparator() string
	// PromptRegexp matches the backend's prompt, marking the end of one
	// command's output.
	PromptRegexp() *regexp.Regexp
	// DefaultOptions are sent, one per line, right after spawn and before
	// StartCommand — each is followed by a wait for the prompt.
	DefaultOptions() []string
	// StartCommand begins execution, e.g. "start" (gdb) or "run" (lldb).
	StartCommand() string
	// FloatRegexp extracts a numeric value out of a print response, used
	// by shell-side plotting; not interpreted by the core itself.
	FloatRegexp() *regexp.Regexp
	// RuntimeOptions turns a free-form options map (as might arrive via a
	// future command extension) into extra command-line arguments. Most
	// backends don't need any and return nil.
	RuntimeOptions(opts map[string]string) []string
}

type staticBackend struct {
	name              string
	debugCommand      string
	argumentSeparator string
	promptRegexp      *regexp.Regexp
	defaultOptions    []string
	startCommand      string
	floatRegexp       *regexp.Regexp
}

func (b *staticBackend) Name() string                              { return b.name }
func (b *staticBackend) DebugCommand() string                      { return b.debugCommand }
func (b *staticBackend) ArgumentSeparator() string                 { return b.argumentSeparator }
func (b *staticBackend) PromptRegexp() *regexp.Regexp              { return b.promptRegexp }
func (b *staticBackend) DefaultOptions() []string                  { return b.defaultOptions }
func (b *staticBackend) StartCommand() string                      { return b.startCommand }
func (b *staticBackend) FloatRegexp() *regexp.Regexp               { return b.floatRegexp }
func (b *staticBackend) RuntimeOptions(map[string]string) []string { return nil }
