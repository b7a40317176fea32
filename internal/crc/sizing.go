// Package crc implements the Concurrency & Resource Controller: pool
// sizing policy, the bounded worker pool backing the Parallel and
// Conditional strategies, and process-group signal escalation for
// per-child timeouts and workflow cancellation.
package crc

import (
	"os"
	"strconv"
)

// Coordination holds the sanitized environment-coordination integers
// the controller reads once per workflow.
type Coordination struct {
	ParallelInstances int // P
	NestedLevel       int // L
}

// ReadCoordination reads and sanitizes TASKER_PARALLEL_INSTANCES and
// TASKER_NESTED_LEVEL from the process environment, falling back to
// PARALLEL_INSTANCE_ID/CI_NODE_INDEX auto-detection when
// TASKER_PARALLEL_INSTANCES was not set at all.
func ReadCoordination(environ func(string) (string, bool)) Coordination {
	p, explicit := sanitizedInt(environ, "TASKER_PARALLEL_INSTANCES", 1, 1000)
	if !explicit {
		if _, ok := environ("PARALLEL_INSTANCE_ID"); ok {
			p = 10
		} else if _, ok := environ("CI_NODE_INDEX"); ok {
			p = 10
		}
	}
	l, _ := sanitizedInt(environ, "TASKER_NESTED_LEVEL", 0, 1<<30)
	return Coordination{ParallelInstances: p, NestedLevel: l}
}

// LookupEnv adapts os.LookupEnv to the environ function ReadCoordination
// expects, which is the production entry point; tests supply a fake map
// instead.
func LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }

// sanitizedInt parses the named variable. A missing, non-numeric, or
// negative value sanitizes to floor; an explicit value above cap is
// clamped. explicit reports whether the variable was present at all
// (regardless of whether parsing it succeeded), which ReadCoordination
// uses to decide whether auto-detection should run.
func sanitizedInt(environ func(string) (string, bool), key string, floor, cap int) (value int, explicit bool) {
	raw, ok := environ(key)
	if !ok {
		return floor, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < floor {
		return floor, true
	}
	if n > cap {
		return cap, true
	}
	return n, true
}

// PoolSize computes the effective worker pool size for a Parallel/
// Conditional task requesting maxParallel concurrent subtasks, per
// the pool sizing policy. cpuCount is normally
// runtime.NumCPU(); it is a parameter so tests can exercise every CPU
// tier deterministically.
//
// capped reports whether the final min() clamp actually reduced the
// request below maxParallel, for CRC's debug log.
func PoolSize(maxParallel, cpuCount int, coord Coordination) (size int, capped bool) {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if cpuCount <= 0 {
		cpuCount = 1
	}

	base := 50
	switch {
	case cpuCount <= 4:
		base = 50
	case cpuCount <= 8:
		base = 75
	default:
		base = 100
	}
	recommend := cpuCount * 4

	p := coord.ParallelInstances
	if p > 1 {
		base = max(10, base/p)
		recommend = max(1, (cpuCount*2)/p)
	}

	size = min(maxParallel, min(recommend, base))
	if size < 1 {
		size = 1
	}
	capped = size < maxParallel
	return size, capped
}
