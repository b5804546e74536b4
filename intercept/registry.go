package intercept

import (
	"fmt"
	"slices"
	"sync"

	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Recorder receives the record of every intercepted call. Record must not
// block the caller for longer than it takes to enqueue the record.
type Recorder interface {
	Record(rec record.CallRecord)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(rec record.CallRecord)

// Record implements Recorder.
func (f RecorderFunc) Record(rec record.CallRecord) { f(rec) }

// Target is one interceptable SDK entry point.
type Target interface {
	// Key uniquely identifies the entry point, e.g.
	// "github.com/sashabaranov/go-openai.Client.CreateChatCompletion".
	Key() string
	// Method is the logical name recorded as sdk_method.
	Method() string
	// Installed reports whether the wrapper is active.
	Installed() bool

	install(rec Recorder, logger zerolog.Logger)
	restore()
}

// Registry is the process-wide patch state: the set of known targets and
// whether their wrappers are installed.
type Registry struct {
	mu        sync.Mutex
	targets   map[string]Target
	installed bool
	recorder  Recorder
	logger    zerolog.Logger
}

// Default holds the targets registered by the sdk packages.
var Default = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Target)}
}

// Register adds t. Registering while installed installs t immediately.
func (r *Registry) Register(t Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.targets[t.Key()]; exists {
		return fmt.Errorf("intercept target %s already registered", t.Key())
	}
	r.targets[t.Key()] = t
	if r.installed {
		t.install(r.recorder, r.logger)
	}
	return nil
}

// MustRegister is Register for package init functions.
func (r *Registry) MustRegister(targets ...Target) {
	for _, t := range targets {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the target registered under key.
func (r *Registry) Lookup(key string) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[key]
	return t, ok
}

// Targets returns the registered target keys in sorted order.
func (r *Registry) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := lo.Keys(r.targets)
	slices.Sort(keys)
	return keys
}

// Install wraps every registered target so its calls are reported to rec.
// Installing an installed registry is a no-op that returns false; the
// recorder passed first stays in place.
func (r *Registry) Install(rec Recorder, logger zerolog.Logger) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installed {
		return false
	}
	logger = logger.With().Str("component", "intercept").Logger()
	for _, key := range r.sortedKeysLocked() {
		t := r.targets[key]
		t.install(rec, logger)
		logger.Debug().Str("target", key).Str("method", t.Method()).Msg("Wrapped SDK entry point")
	}
	r.installed = true
	r.recorder = rec
	r.logger = logger
	return true
}

// SetLogger re-wraps every installed target with logger, keeping the
// recorder. Each slot swaps atomically, so no call goes unrecorded. It
// reports false when nothing is installed.
func (r *Registry) SetLogger(logger zerolog.Logger) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.installed {
		return false
	}
	logger = logger.With().Str("component", "intercept").Logger()
	for _, key := range r.sortedKeysLocked() {
		r.targets[key].install(r.recorder, logger)
	}
	r.logger = logger
	return true
}

// Restore puts every original back. It is safe to call when nothing is
// installed and reports whether anything changed.
func (r *Registry) Restore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.installed {
		return false
	}
	for _, key := range r.sortedKeysLocked() {
		r.targets[key].restore()
	}
	r.logger.Debug().Int("targets", len(r.targets)).Msg("Restored SDK entry points")
	r.installed = false
	r.recorder = nil
	r.logger = zerolog.Nop()
	return true
}

// IsInstalled reports whether the wrappers are active.
func (r *Registry) IsInstalled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installed
}

// Installed returns the distinct logical methods currently wrapped.
func (r *Registry) Installed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	installed := lo.Filter(lo.Values(r.targets), func(t Target, _ int) bool { return t.Installed() })
	methods := lo.Uniq(lo.Map(installed, func(t Target, _ int) string { return t.Method() }))
	slices.Sort(methods)
	return methods
}

func (r *Registry) sortedKeysLocked() []string {
	keys := lo.Keys(r.targets)
	slices.Sort(keys)
	return keys
}
