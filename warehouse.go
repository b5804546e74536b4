package llmwarehouse

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/aschepis/backscratcher/llmwarehouse/backend"
	"github.com/aschepis/backscratcher/llmwarehouse/config"
	"github.com/aschepis/backscratcher/llmwarehouse/dispatch"
	"github.com/aschepis/backscratcher/llmwarehouse/intercept"
	"github.com/aschepis/backscratcher/llmwarehouse/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Options selects the active backends. See config.Options.
type Options = config.Options

const (
	// DefaultConnectTimeout bounds backend setup during Patch.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultUnpatchTimeout bounds how long Unpatch waits for in-flight
	// records before closing the backends.
	DefaultUnpatchTimeout = 5 * time.Second
)

// ErrRegistryInUse is returned by Patch when another Service already
// installed the same registry.
var ErrRegistryInUse = errors.New("intercept registry is installed by another service")

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithEnv replaces the process environment as the source of LLM_WAREHOUSE_*
// settings.
func WithEnv(env config.Env) ServiceOption {
	return func(s *Service) { s.env = env }
}

// WithLogOutput sends the debug log to w instead of stderr.
func WithLogOutput(w io.Writer) ServiceOption {
	return func(s *Service) { s.logOutput = w }
}

// WithRegisterer registers delivery metrics on reg.
func WithRegisterer(reg prometheus.Registerer) ServiceOption {
	return func(s *Service) { s.registerer = reg }
}

// WithUnpatchTimeout overrides DefaultUnpatchTimeout.
func WithUnpatchTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.unpatchTimeout = d
		}
	}
}

// Service owns the patch state of one intercept registry: whether its
// targets are installed, and the dispatcher and backends records flow to.
type Service struct {
	registry       *intercept.Registry
	env            config.Env
	logOutput      io.Writer
	registerer     prometheus.Registerer
	unpatchTimeout time.Duration

	mu         sync.Mutex
	dispatcher *dispatch.Dispatcher
	opts       config.Options
	logger     zerolog.Logger
}

// NewService returns an unpatched Service over registry.
func NewService(registry *intercept.Registry, opts ...ServiceOption) *Service {
	s := &Service{
		registry:       registry,
		env:            config.OSEnv(),
		unpatchTimeout: DefaultUnpatchTimeout,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Patch resolves opts over the environment, connects the configured
// backends and installs every registered target.
//
// Calling Patch again while patched swaps in the new backend set without
// wrapping anything twice. When a backend cannot be configured Patch returns
// the error and the previous state is left untouched.
func (s *Service) Patch(opts Options) error {
	return s.patch(opts, s.env)
}

func (s *Service) patch(explicit Options, env config.Env) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts, err := config.Resolve(explicit, env)
	if err != nil {
		return err
	}
	log := logger.New(opts.DebugEnabled(), s.logOutput).With().Str("component", "service").Logger()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectTimeout)
	defer cancel()
	adapters, err := backend.FromOptions(ctx, opts, log)
	if err != nil {
		log.Debug().Err(err).Msg("Patch failed")
		return err
	}
	if len(adapters) == 0 {
		log.Debug().Msg("No backends configured; calls will be intercepted but not stored")
	}

	if s.dispatcher != nil {
		s.dispatcher.SetLogger(log)
		s.dispatcher.SetAdapters(adapters)
		s.registry.SetLogger(log)
		s.opts, s.logger = opts, log
		log.Debug().Strs("backends", opts.Backends()).Msg("Updated backends")
		return nil
	}

	d := dispatch.New(log, adapters, dispatch.WithRegisterer(s.registerer))
	if !s.registry.Install(d, log) {
		_ = d.Close(ctx)
		return ErrRegistryInUse
	}
	s.dispatcher, s.opts, s.logger = d, opts, log
	log.Debug().
		Interface("options", opts.Redacted()).
		Strs("methods", s.registry.Installed()).
		Msg("Patched LLM SDKs")
	return nil
}

// Activate patches from env alone when it requests auto-activation:
// LLM_WAREHOUSE_ENABLED is truthy, or both the warehouse URL and API key are
// set. It reports whether patching happened.
func (s *Service) Activate(env config.Env) (bool, error) {
	if !config.AutoActivate(env) {
		return false, nil
	}
	if err := s.patch(Options{}, env); err != nil {
		return false, err
	}
	return true, nil
}

// Unpatch restores every target and closes the backends after a bounded wait
// for in-flight records. It is a no-op when not patched. Delivery errors are
// only logged.
func (s *Service) Unpatch() {
	ctx, cancel := context.WithTimeout(context.Background(), s.unpatchTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.mu.Lock()
		s.logger.Debug().Err(err).Msg("Unpatch did not finish cleanly")
		s.mu.Unlock()
	}
}

// Shutdown is Unpatch with a caller-supplied deadline and the flush error
// returned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	d := s.dispatcher
	if d == nil {
		s.mu.Unlock()
		return nil
	}
	s.registry.Restore()
	s.dispatcher = nil
	s.opts = config.Options{}
	log := s.logger
	s.mu.Unlock()

	log.Debug().Msg("Unpatched LLM SDKs")
	return d.Close(ctx)
}

// IsPatched reports whether targets are currently installed by s.
func (s *Service) IsPatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher != nil
}

// Flush waits for records already captured to reach every backend.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	d := s.dispatcher
	s.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Flush(ctx)
}

// Options returns the resolved options of the current patch.
func (s *Service) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Backends names the active backends in delivery order.
func (s *Service) Backends() []string {
	s.mu.Lock()
	d := s.dispatcher
	s.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Backends()
}

// Installed lists the logical SDK methods currently intercepted.
func (s *Service) Installed() []string {
	return s.registry.Installed()
}

var (
	defaultOnce    sync.Once
	defaultService *Service
)

// Default returns the Service over intercept.Default used by the package
// functions.
func Default() *Service {
	defaultOnce.Do(func() {
		defaultService = NewService(intercept.Default, WithRegisterer(prometheus.DefaultRegisterer))
	})
	return defaultService
}

// Patch patches the default Service.
func Patch(opts Options) error { return Default().Patch(opts) }

// Unpatch unpatches the default Service.
func Unpatch() { Default().Unpatch() }

// IsPatched reports whether the default Service is patched.
func IsPatched() bool { return Default().IsPatched() }

// Flush flushes the default Service.
func Flush(ctx context.Context) error { return Default().Flush(ctx) }

// Shutdown unpatches the default Service within ctx.
func Shutdown(ctx context.Context) error { return Default().Shutdown(ctx) }

// Init is the initialization hook for applications that configure recording
// through the environment. It loads .env when present, snapshots the
// LLM_WAREHOUSE_* variables and patches the default Service if they request
// activation. Failures are reported on the debug log and returned.
func Init() (bool, error) { return Default().Init() }

// Init loads the given .env files (".env" when none are named) without
// overriding variables already set, then activates s from a snapshot of the
// process environment.
func (s *Service) Init(dotenv ...string) (bool, error) {
	config.LoadDotEnv(dotenv...)
	env := config.Snapshot(config.OSEnv())
	activated, err := s.Activate(env)
	if err != nil {
		log := logger.New(config.IsTruthy(env.Get(config.EnvDebug)), s.logOutput)
		log.Debug().Err(err).Msg("Auto-activation failed")
	}
	return activated, err
}
