// Package lifecycle provides graceful shutdown orchestration
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// ShutdownPhase defines the order of shutdown phases. The API server stops
// first so no new enables arrive, then pollers wind down, then the reaper
// finishes finalizing them, and only then are shared resources released.
type ShutdownPhase int

const (
	// PhaseHTTP stops accepting new HTTP requests and drains in-flight
	PhaseHTTP ShutdownPhase = iota
	// PhasePollers deactivates the supervisor and drains trigger pollers
	PhasePollers
	// PhaseReaper waits for the reaper to finalize remaining pollers
	PhaseReaper
	// PhaseLeader releases the leader election lock
	PhaseLeader
	// PhaseStores closes MongoDB and Redis connections
	PhaseStores
	// PhaseFinal performs any final cleanup
	PhaseFinal
)

func (p ShutdownPhase) String() string {
	switch p {
	case PhaseHTTP:
		return "http"
	case PhasePollers:
		return "pollers"
	case PhaseReaper:
		return "reaper"
	case PhaseLeader:
		return "leader"
	case PhaseStores:
		return "stores"
	case PhaseFinal:
		return "final"
	default:
		return "unknown"
	}
}

// ShutdownHook is a function called during shutdown
type ShutdownHook struct {
	Name     string
	Phase    ShutdownPhase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager orchestrates graceful shutdown
type Manager struct {
	mu              sync.Mutex
	hooks           []ShutdownHook
	shutdownTimeout time.Duration
	done            chan struct{}
	once            sync.Once
}

// NewManager creates a new lifecycle manager
func NewManager() *Manager {
	return &Manager{
		hooks:           make([]ShutdownHook, 0),
		shutdownTimeout: 60 * time.Second,
		done:            make(chan struct{}),
	}
}

// SetShutdownTimeout sets the overall shutdown timeout
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}

// RegisterHook adds a shutdown hook
func (m *Manager) RegisterHook(hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	m.hooks = append(m.hooks, hook)
}

// RegisterHTTPShutdown registers an HTTP server shutdown hook
func (m *Manager) RegisterHTTPShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{
		Name:     name,
		Phase:    PhaseHTTP,
		Timeout:  15 * time.Second,
		Shutdown: shutdown,
	})
}

// RegisterPollerShutdown registers the poller supervisor shutdown hook.
// Pollers get a generous timeout: each may be mid-tick dispatching actions.
func (m *Manager) RegisterPollerShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{
		Name:     name,
		Phase:    PhasePollers,
		Timeout:  45 * time.Second,
		Shutdown: shutdown,
	})
}

// RegisterReaperShutdown registers the reaper shutdown hook
func (m *Manager) RegisterReaperShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{
		Name:     name,
		Phase:    PhaseReaper,
		Timeout:  30 * time.Second,
		Shutdown: shutdown,
	})
}

// RegisterLeaderShutdown registers a leader election shutdown hook
func (m *Manager) RegisterLeaderShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{
		Name:     name,
		Phase:    PhaseLeader,
		Timeout:  5 * time.Second,
		Shutdown: shutdown,
	})
}

// RegisterStoreShutdown registers a database/cache shutdown hook
func (m *Manager) RegisterStoreShutdown(name string, shutdown func(ctx context.Context) error) {
	m.RegisterHook(ShutdownHook{
		Name:     name,
		Phase:    PhaseStores,
		Timeout:  10 * time.Second,
		Shutdown: shutdown,
	})
}

// WaitForSignal blocks until SIGINT or SIGTERM is received
func (m *Manager) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-m.done:
		log.Info().Msg("Shutdown triggered programmatically")
	}
}

// Shutdown triggers graceful shutdown
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.done)
	})
}

// Execute runs the shutdown sequence
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := make([]ShutdownHook, len(m.hooks))
	copy(hooks, m.hooks)
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	log.Info().Int("hooks", len(hooks)).Dur("timeout", timeout).Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	phaseHooks := make(map[ShutdownPhase][]ShutdownHook)
	for _, hook := range hooks {
		phaseHooks[hook.Phase] = append(phaseHooks[hook.Phase], hook)
	}

	phases := []ShutdownPhase{PhaseHTTP, PhasePollers, PhaseReaper, PhaseLeader, PhaseStores, PhaseFinal}

	for _, phase := range phases {
		if len(phaseHooks[phase]) == 0 {
			continue
		}

		log.Info().Stringer("phase", phase).Int("hooks", len(phaseHooks[phase])).Msg("Executing shutdown phase")

		// Hooks within a phase run in parallel; phases are strictly ordered.
		var wg sync.WaitGroup
		for _, hook := range phaseHooks[phase] {
			wg.Add(1)
			go func(h ShutdownHook) {
				defer wg.Done()
				m.executeHook(ctx, h)
			}(hook)
		}
		wg.Wait()

		if ctx.Err() != nil {
			log.Warn().Msg("Shutdown timeout reached, forcing exit")
			return ctx.Err()
		}
	}

	log.Info().Msg("Graceful shutdown completed")
	return nil
}

// executeHook runs a single shutdown hook with its own timeout
func (m *Manager) executeHook(parentCtx context.Context, hook ShutdownHook) {
	ctx, cancel := context.WithTimeout(parentCtx, hook.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.Shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("hook", hook.Name).Msg("Shutdown hook failed")
		} else {
			log.Debug().Str("hook", hook.Name).Msg("Shutdown hook completed")
		}
	case <-ctx.Done():
		log.Warn().Str("hook", hook.Name).Msg("Shutdown hook timed out")
	}
}

// Run combines WaitForSignal and Execute for convenience
func (m *Manager) Run() error {
	m.WaitForSignal()
	return m.Execute()
}
