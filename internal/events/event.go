// Package events implements the typed telemetry records a Sandbox produces
// (C2 in the design): boot, shutdown, exception, log, and event-loop
// completion, plus the many-producer/single-consumer channel they travel on.
package events

import "github.com/google/uuid"

// Kind discriminates the outer Event variant. Values are snake_case, and are
// the wire-format discriminator (spec §4.2/§6: "the canonical off-box
// telemetry format").
type Kind string

const (
	KindBoot               Kind = "boot"
	KindBootFailure        Kind = "boot_failure"
	KindUncaughtException  Kind = "uncaught_exception"
	KindShutdown           Kind = "shutdown"
	KindEventLoopCompleted Kind = "event_loop_completed"
	KindLog                Kind = "log"
)

// MemoryLimitDetail discriminates which subsystem observed the memory
// breach; it is the "limited_by" field of a Memory shutdown reason.
type MemoryLimitDetail string

const (
	MemoryLimitMemCheck MemoryLimitDetail = "mem_check"
	MemoryLimitV8       MemoryLimitDetail = "v8"
)

// ShutdownReasonKind enumerates why a sandbox was shut down.
type ShutdownReasonKind string

const (
	ShutdownWallClockTime        ShutdownReasonKind = "wall_clock_time"
	ShutdownCPUTime              ShutdownReasonKind = "cpu_time"
	ShutdownMemory               ShutdownReasonKind = "memory"
	ShutdownEarlyDrop            ShutdownReasonKind = "early_drop"
	ShutdownTerminationRequested ShutdownReasonKind = "termination_requested"
)

// ShutdownReason is the payload of a Shutdown event. MemoryLimitedBy is only
// meaningful when Kind == ShutdownMemory.
type ShutdownReason struct {
	Kind            ShutdownReasonKind
	MemoryLimitedBy MemoryLimitDetail
}

func ReasonWallClockTime() ShutdownReason { return ShutdownReason{Kind: ShutdownWallClockTime} }
func ReasonCPUTime() ShutdownReason       { return ShutdownReason{Kind: ShutdownCPUTime} }
func ReasonEarlyDrop() ShutdownReason     { return ShutdownReason{Kind: ShutdownEarlyDrop} }
func ReasonTerminationRequested() ShutdownReason {
	return ShutdownReason{Kind: ShutdownTerminationRequested}
}
func ReasonMemory(detail MemoryLimitDetail) ShutdownReason {
	return ShutdownReason{Kind: ShutdownMemory, MemoryLimitedBy: detail}
}

// WorkerMemoryUsed is a snapshot of a sandbox's memory accounting at
// shutdown time (spec §3).
type WorkerMemoryUsed struct {
	TotalBytes       int64
	HeapBytes        int64
	ExternalBytes    int64
	MemCheckCaptured bool
}

// LogLevel is the severity of a Log event emitted by sandbox-side code.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Event is a tagged record; exactly the fields relevant to Kind are set.
// Go has no sum types, so this plays the role of Rust's WorkerEvents enum:
// a single struct with a discriminator and per-variant fields, left zero
// when not applicable.
type Event struct {
	Kind Kind

	// Boot
	BootTimeMs int64

	// BootFailure
	BootFailureMessage string

	// UncaughtException
	ExceptionText string

	// Shutdown
	ShutdownReason ShutdownReason
	MemoryUsed     WorkerMemoryUsed

	// UncaughtException, Shutdown, EventLoopCompleted
	CPUTimeUsedMs int64

	// Log
	LogLevel   LogLevel
	LogMessage string
}

func Boot(bootTimeMs int64) Event { return Event{Kind: KindBoot, BootTimeMs: bootTimeMs} }

func BootFailure(message string) Event {
	return Event{Kind: KindBootFailure, BootFailureMessage: message}
}

func UncaughtException(exceptionText string) Event {
	return Event{Kind: KindUncaughtException, ExceptionText: exceptionText}
}

func Shutdown(reason ShutdownReason, memUsed WorkerMemoryUsed) Event {
	return Event{Kind: KindShutdown, ShutdownReason: reason, MemoryUsed: memUsed}
}

func EventLoopCompleted() Event { return Event{Kind: KindEventLoopCompleted} }

func Log(level LogLevel, message string) Event {
	return Event{Kind: KindLog, LogLevel: level, LogMessage: message}
}

// WithCPUTimeUsed back-patches cpu_time_used_ms into the UncaughtException,
// Shutdown and EventLoopCompleted variants (the ones that carry the field),
// leaving every other variant untouched — the Go equivalent of the Rust
// builder of the same name (spec §4.2).
func (e Event) WithCPUTimeUsed(ms int64) Event {
	switch e.Kind {
	case KindUncaughtException, KindShutdown, KindEventLoopCompleted:
		e.CPUTimeUsedMs = ms
	}
	return e
}

// Metadata accompanies every Event: the function's service path and the
// execution id assigned to this sandbox run (spec §3's EventMetadata).
type Metadata struct {
	ServicePath string
	ExecutionID uuid.UUID
}

// Record pairs an Event with its Metadata — spec's WorkerEventWithMetadata.
type Record struct {
	Event    Event
	Metadata Metadata
}
