package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// UnmarshalJSON is the decode side of RawEvent. Encoding is hand-written
// (envelope.go) for throughput on the hot producer path; decoding only
// matters for round-trip tests and off-box consumers, so plain
// encoding/json suffices here.
func (r *RawEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Done  bool `json:"done"`
		Event *struct {
			Metadata struct {
				ServicePath string `json:"service_path"`
				ExecutionID string `json:"execution_id"`
			} `json:"metadata"`
			Event json.RawMessage `json:"event"`
		} `json:"event"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Done {
		*r = RawEvent{Done: true}
		return nil
	}
	if raw.Event == nil {
		return fmt.Errorf("events: envelope has neither done nor event")
	}

	ev, err := decodeEvent(raw.Event.Event)
	if err != nil {
		return err
	}

	execID, err := uuid.Parse(raw.Event.Metadata.ExecutionID)
	if err != nil {
		return fmt.Errorf("events: invalid execution_id: %w", err)
	}

	*r = RawEvent{Record: &Record{
		Event: ev,
		Metadata: Metadata{
			ServicePath: raw.Event.Metadata.ServicePath,
			ExecutionID: execID,
		},
	}}
	return nil
}

func decodeEvent(data []byte) (Event, error) {
	var aux struct {
		Type          string          `json:"type"`
		BootTimeMs    int64           `json:"boot_time_ms"`
		Message       string          `json:"message"`
		ExceptionText string          `json:"exception_text"`
		CPUTimeUsedMs int64           `json:"cpu_time_used_ms"`
		Reason        json.RawMessage `json:"reason"`
		MemoryUsed    struct {
			Total            int64 `json:"total"`
			Heap             int64 `json:"heap"`
			External         int64 `json:"external"`
			MemCheckCaptured bool  `json:"mem_check_captured"`
		} `json:"memory_used"`
		Level string `json:"level"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return Event{}, err
	}

	switch Kind(aux.Type) {
	case KindBoot:
		return Boot(aux.BootTimeMs), nil
	case KindBootFailure:
		return BootFailure(aux.Message), nil
	case KindUncaughtException:
		return UncaughtException(aux.ExceptionText).WithCPUTimeUsed(aux.CPUTimeUsedMs), nil
	case KindShutdown:
		reason, err := decodeShutdownReason(aux.Reason)
		if err != nil {
			return Event{}, err
		}
		return Shutdown(reason, WorkerMemoryUsed{
			TotalBytes:       aux.MemoryUsed.Total,
			HeapBytes:        aux.MemoryUsed.Heap,
			ExternalBytes:    aux.MemoryUsed.External,
			MemCheckCaptured: aux.MemoryUsed.MemCheckCaptured,
		}).WithCPUTimeUsed(aux.CPUTimeUsedMs), nil
	case KindEventLoopCompleted:
		return EventLoopCompleted().WithCPUTimeUsed(aux.CPUTimeUsedMs), nil
	case KindLog:
		return Log(LogLevel(aux.Level), aux.Message), nil
	default:
		return Event{}, fmt.Errorf("events: unknown event type %q", aux.Type)
	}
}

func decodeShutdownReason(data []byte) (ShutdownReason, error) {
	// Memory is the only variant shaped as an object; the rest are bare
	// snake_case strings.
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		return ShutdownReason{Kind: ShutdownReasonKind(asString)}, nil
	}

	var asObject struct {
		LimitedBy string `json:"limited_by"`
	}
	if err := json.Unmarshal(data, &asObject); err != nil {
		return ShutdownReason{}, fmt.Errorf("events: invalid shutdown reason: %w", err)
	}
	return ReasonMemory(MemoryLimitDetail(asObject.LimitedBy)), nil
}
