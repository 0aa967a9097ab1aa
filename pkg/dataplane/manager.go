package dataplane

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/psaab/snfpath/pkg/fib"
	"github.com/psaab/snfpath/pkg/hooks"
)

type statsHook interface {
	hooks.Hook
	Stats() hooks.Stats
}

// Manager is the userspace dataplane: it owns the forwarding table and the
// hook instances and runs them for frames handed to Dispatch.
type Manager struct {
	opts Options

	mu     sync.RWMutex
	loaded bool
	hooks  map[string]statsHook

	fib   *fib.Table
	count *hooks.CountFilter
	qs    *hooks.QueueStats
}

// New creates a new userspace dataplane Manager.
func New(opts Options) *Manager {
	return &Manager{
		opts: opts,
		fib:  fib.NewTable(),
	}
}

func (m *Manager) Type() string { return TypeUserspace }

// Load builds the hooks and their tables.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}

	policy := hooks.FailOpen
	if m.opts.StrictDrop {
		policy = hooks.FailClosed
	}

	m.count = hooks.NewCountFilter(hooks.CountFilterConfig{
		Timeout:  m.opts.Timeout,
		Periodic: m.opts.Periodic,
		Clock:    m.opts.Clock,
		Tracer:   m.opts.Tracer,
		Events:   m.opts.Events,
	})
	m.qs = hooks.NewQueueStats(m.opts.QStats, m.opts.Tracer, m.opts.Events)
	m.hooks = map[string]statsHook{
		HookDropFilter:  hooks.NewDropFilter(policy, m.opts.Tracer, m.opts.Events),
		HookRedirect:    hooks.NewRedirect(m.fib, m.opts.TxPorts, m.opts.Tracer, m.opts.Events),
		HookCountFilter: m.count,
		HookQueueStats:  m.qs,
		HookPass:        &hooks.PassThrough{},
	}
	m.loaded = true
	slog.Info("userspace dataplane loaded",
		"drop_policy", policy.String(),
		"timer", m.count.Timeout(),
		"periodic", m.opts.Periodic)
	return nil
}

// IsLoaded returns true once Load has run.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// Close stops the reporting timers.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count != nil {
		m.count.Close()
	}
	m.loaded = false
	return nil
}

func (m *Manager) hook(name string) (statsHook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.loaded {
		return nil, ErrNotLoaded
	}
	h, ok := m.hooks[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownHook, name)
	}
	return h, nil
}

// Dispatch runs the named hook on p.
func (m *Manager) Dispatch(name string, p hooks.Packet) (hooks.Verdict, error) {
	h, err := m.hook(name)
	if err != nil {
		return hooks.Verdict{}, err
	}
	return h.Run(p), nil
}

// Hooks returns the hook names in sorted order.
func (m *Manager) Hooks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.hooks))
	for n := range m.hooks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HookStats returns verdict counters per hook.
func (m *Manager) HookStats() map[string]hooks.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]hooks.Stats, len(m.hooks))
	for n, h := range m.hooks {
		out[n] = h.Stats()
	}
	return out
}

// QueueStats returns the last queue counters read per interface.
func (m *Manager) QueueStats() map[uint32]hooks.QStats {
	m.mu.RLock()
	qs := m.qs
	m.mu.RUnlock()
	if qs == nil {
		return nil
	}
	return qs.Last()
}

// FIB returns the forwarding table.
func (m *Manager) FIB() *fib.Table { return m.fib }
