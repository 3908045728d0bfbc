// Package sandbox implements the Sandbox Host (C3): one scripting-engine
// instance per request, pinned to its own OS thread, bounded by a heap cap,
// a wall-clock deadline, and (on Linux) a CPU-time budget.
package sandbox

import "time"

// Config is the immutable per-request SandboxConfig of spec §3: everything
// needed to boot one sandbox for one function invocation.
type Config struct {
	// ServicePath is the directory containing the function's entry module,
	// e.g. <services_root>/<function_name>.
	ServicePath string

	MemLimitBytes  int64
	WallClockLimit time.Duration
	CPUTimeLimit   time.Duration // 0 disables the CPU-time limit

	NoModuleCache bool
	ImportMapPath string

	// Env is the read-only key/value mapping exposed to sandbox code.
	Env map[string]string
}

// entryCandidates is the fixed, ordered list of entry-module filenames
// tried during boot (spec §4.3 step 1): first existing file wins.
var entryCandidates = []string{"index.ts", "index.tsx", "index.js", "index.mjs"}
