package dataplane

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/psaab/snfpath/pkg/fib"
	"github.com/psaab/snfpath/pkg/hooks"
	"github.com/psaab/snfpath/pkg/logging"
	"github.com/psaab/snfpath/pkg/statetable"
)

// Compile-time assertion that Manager implements DataPlane.
var _ DataPlane = (*Manager)(nil)

// Dataplane type constants accepted by -dataplane.
const (
	TypeUserspace = "userspace" // default
	TypeEBPF      = "ebpf"
)

// Hook names accepted by Dispatch.
const (
	HookDropFilter  = "drop-filter"
	HookRedirect    = "redirect"
	HookCountFilter = "count-filter"
	HookQueueStats  = "queue-stats"
	HookPass        = "pass"
)

var (
	ErrNotLoaded   = errors.New("dataplane not loaded")
	ErrUnknownHook = errors.New("unknown hook")
	ErrNoState     = errors.New("no state element")
	ErrUnsupported = errors.New("not supported by this dataplane")
)

// Options configures a dataplane backend. Zero values take defaults.
type Options struct {
	PinDir     string // ebpf: bpffs directory holding the pinned maps
	StrictDrop bool   // drop-filter fails closed
	Timeout    time.Duration
	Periodic   bool
	Clock      statetable.Clock

	Tracer  *logging.Tracer
	Events  hooks.Events
	QStats  hooks.QStatsReader
	TxPorts hooks.TxPorts
}

// backendRegistry holds constructors for non-userspace dataplane backends.
// Sub-packages register themselves via RegisterBackend in their init().
var backendRegistry = map[string]func(Options) DataPlane{}

// RegisterBackend registers a dataplane constructor for the given type.
func RegisterBackend(dpType string, ctor func(Options) DataPlane) {
	backendRegistry[dpType] = ctor
}

// Backends lists the available dataplane types.
func Backends() []string {
	out := []string{TypeUserspace}
	for t := range backendRegistry {
		out = append(out, t)
	}
	sort.Strings(out[1:])
	return out
}

// NewDataPlane creates a DataPlane backend based on the given type string.
// An empty string defaults to the userspace backend.
func NewDataPlane(dpType string, opts Options) (DataPlane, error) {
	switch dpType {
	case "", TypeUserspace:
		return New(opts), nil
	default:
		if ctor, ok := backendRegistry[dpType]; ok {
			return ctor(opts), nil
		}
		return nil, fmt.Errorf("unknown dataplane type %q (valid: %v)", dpType, Backends())
	}
}

// StateInfo is a read-only view of one state element.
type StateInfo struct {
	Key         uint32 `json:"key"`
	Initialized bool   `json:"initialized"`
	Counter     uint64 `json:"counter"`
	A           uint64 `json:"a"`
	B           uint64 `json:"b"`
	TimerInit   bool   `json:"timer_initialized"`
	TimerArmed  bool   `json:"timer_armed"`
	TimerFires  uint64 `json:"timer_fires"`
}

// MapStats describes the occupancy of one table.
type MapStats struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	MaxEntries uint32 `json:"max_entries"`
	UsedCount  uint32 `json:"used_count"`
}

// DataPlane is the abstract interface for a packet-processing dataplane.
// The userspace Manager runs the hooks in process; the ebpf backend only
// provisions and inspects the tables of a kernel program loaded elsewhere.
type DataPlane interface {
	// Lifecycle
	Load() error
	IsLoaded() bool
	Close() error
	Type() string

	// Hooks
	Dispatch(hook string, p hooks.Packet) (hooks.Verdict, error)
	Hooks() []string
	HookStats() map[string]hooks.Stats

	// Forwarding table
	SetForwarding(iif uint32, e fib.Entry) error
	DeleteForwarding(iif uint32) error
	IterateForwarding(fn func(iif uint32, e fib.Entry) bool) error

	// State and shadow tables
	ReadState(key uint32) (StateInfo, error)
	IterateStates(fn func(StateInfo) bool) error
	IterateShadow(fn func(key, hits uint32) bool) error
	LastReport() *hooks.Report

	// Map statistics
	GetMapStats() []MapStats
}
