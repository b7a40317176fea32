package engine

import (
	"runtime"
	"time"

	"github.com/tasker-run/tasker/internal/crc"
	"github.com/tasker-run/tasker/internal/observability"
	"github.com/tasker-run/tasker/internal/recovery"
)

// Config configures one workflow run. Zero values mean "use the
// default"; build an effective config with DefaultConfig then Merge CLI
// overrides over it.
type Config struct {
	// RunID correlates the run across logs, recovery snapshots, and the
	// JSON output document. cmd/tasker stamps a fresh UUID per run.
	RunID string
	// TaskFilePath is recorded in recovery snapshots and diagnostics; it
	// does not affect execution.
	TaskFilePath string

	// TempDir is where SOH spill files are created. Empty means the
	// platform temp directory.
	TempDir string

	// GraceDuration is the SIGTERM-to-SIGKILL wait for child process
	// groups on timeout or cancellation.
	GraceDuration time.Duration

	// MasterTimeout bounds the whole workflow; zero disables it.
	MasterTimeout time.Duration

	// CPUCount feeds the pool sizing policy; zero means runtime.NumCPU.
	CPUCount int

	// Coordination is the sanitized environment-coordination reading. A
	// nil value makes the engine read the process environment once at
	// construction.
	Coordination *crc.Coordination

	// Observer receives task-lifecycle events; nil means no-op.
	Observer observability.Observer

	// Recovery, when non-nil, persists a snapshot after every completed
	// task and deletes it on terminal success.
	Recovery recovery.Store

	// StartFrom positions the initial cursor on a specific task id
	// instead of the first declared task (--start-from, recovery resume).
	StartFrom    int
	HasStartFrom bool

	// FireAndForget detaches children into their own sessions so they
	// survive the invoking terminal hanging up.
	FireAndForget bool
}

// DefaultConfig returns the engine defaults: platform temp dir, the
// standard grace period, no master timeout, coordination read from the
// environment at construction.
func DefaultConfig() Config {
	return Config{
		GraceDuration: crc.DefaultGraceDuration,
		CPUCount:      runtime.NumCPU(),
	}
}

// Merge overwrites zero-valued fields of c with source's values,
// following the Default+Merge convention used across TASKER's config
// structs.
func (c *Config) Merge(source Config) {
	if source.RunID != "" {
		c.RunID = source.RunID
	}
	if source.TaskFilePath != "" {
		c.TaskFilePath = source.TaskFilePath
	}
	if source.TempDir != "" {
		c.TempDir = source.TempDir
	}
	if source.GraceDuration > 0 {
		c.GraceDuration = source.GraceDuration
	}
	if source.MasterTimeout > 0 {
		c.MasterTimeout = source.MasterTimeout
	}
	if source.CPUCount > 0 {
		c.CPUCount = source.CPUCount
	}
	if source.Coordination != nil {
		c.Coordination = source.Coordination
	}
	if source.Observer != nil {
		c.Observer = source.Observer
	}
	if source.Recovery != nil {
		c.Recovery = source.Recovery
	}
	if source.HasStartFrom {
		c.StartFrom = source.StartFrom
		c.HasStartFrom = true
	}
	if source.FireAndForget {
		c.FireAndForget = true
	}
}
