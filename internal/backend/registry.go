package backend

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

var floatRegexp = regexp.MustCompile(`\$\d+ = ([\d.eE+-]+)`)

var registry = map[string]Backend{
	"gdb": &staticBackend{
		name:              "gdb",
		debugCommand:      "gdb -q",
		argumentSeparator: "--args",
		promptRegexp:      regexp.MustCompile(`\(gdb\)\s*$`),
		defaultOptions:    []string{"set pagination off", "set confirm off"},
		startCommand:      "start",
		floatRegexp:       floatRegexp,
	},
	"lldb": &staticBackend{
		name:              "lldb",
		debugCommand:      "lldb",
		argumentSeparator: "--",
		promptRegexp:      regexp.MustCompile(`\(lldb\)\s*$`),
		defaultOptions:    []string{"settings set auto-confirm true"},
		startCommand:      "run",
		floatRegexp:       floatRegexp,
	},
	"cuda-gdb": &staticBackend{
		name:              "cuda-gdb",
		debugCommand:      "cuda-gdb -q",
		argumentSeparator: "--args",
		promptRegexp:      regexp.MustCompile(`\(cuda-gdb\)\s*$`),
		defaultOptions:    []string{"set pagination off", "set confirm off"},
		startCommand:      "start",
		floatRegexp:       floatRegexp,
	},
}

var registryMu sync.RWMutex

// Lookup returns the registered Backend for name, or an error if no such
// backend has been registered.
func Lookup(name string) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("backend: unknown backend %q (known: %v)", name, names())
	}
	return b, nil
}

// Register adds or replaces a backend in the registry. Exists so a
// deployment can supply an additional backend (e.g. a site-specific
// debugger wrapper) without forking this package; spec §9 leaves the
// static-vs-dynamic plug-in choice open and static registration is what
// fits Go's single-binary deployment model.
func Register(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Name()] = b
}

// Names returns the sorted list of registered backend names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return names()
}

func names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
