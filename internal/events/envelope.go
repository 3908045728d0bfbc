package events

import (
	"strconv"

	"github.com/joeycumines/go-utilpkg/jsonenc"
)

// RawEvent is the transport envelope: either a Record or Done. Done closes
// the downstream reader.
type RawEvent struct {
	Record *Record
	Done   bool
}

// MarshalJSON hand-writes the tagged, snake_case wire format, rather than
// leaning on encoding/json reflection, which cannot express an
// internally-tagged enum without the same amount of custom code anyway.
// String fields are appended with jsonenc.AppendString, the same
// zero-allocation primitive logiface-zerolog itself is built on.
func (r RawEvent) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 256)
	if r.Done {
		return append(buf, `{"done":true}`...), nil
	}

	buf = append(buf, `{"event":`...)
	buf = appendRecord(buf, *r.Record)
	buf = append(buf, '}')
	return buf, nil
}

func appendRecord(buf []byte, rec Record) []byte {
	buf = append(buf, `{"metadata":`...)
	buf = appendMetadata(buf, rec.Metadata)
	buf = append(buf, `,"event":`...)
	buf = appendEvent(buf, rec.Event)
	buf = append(buf, '}')
	return buf
}

func appendMetadata(buf []byte, m Metadata) []byte {
	buf = append(buf, `{"service_path":`...)
	buf = jsonenc.AppendString(buf, m.ServicePath)
	buf = append(buf, `,"execution_id":`...)
	buf = jsonenc.AppendString(buf, m.ExecutionID.String())
	buf = append(buf, '}')
	return buf
}

func appendEvent(buf []byte, e Event) []byte {
	buf = append(buf, `{"type":`...)
	buf = jsonenc.AppendString(buf, string(e.Kind))

	switch e.Kind {
	case KindBoot:
		buf = append(buf, `,"boot_time_ms":`...)
		buf = strconv.AppendInt(buf, e.BootTimeMs, 10)

	case KindBootFailure:
		buf = append(buf, `,"message":`...)
		buf = jsonenc.AppendString(buf, e.BootFailureMessage)

	case KindUncaughtException:
		buf = append(buf, `,"exception_text":`...)
		buf = jsonenc.AppendString(buf, e.ExceptionText)
		buf = append(buf, `,"cpu_time_used_ms":`...)
		buf = strconv.AppendInt(buf, e.CPUTimeUsedMs, 10)

	case KindShutdown:
		buf = append(buf, `,"reason":`...)
		buf = appendShutdownReason(buf, e.ShutdownReason)
		buf = append(buf, `,"cpu_time_used_ms":`...)
		buf = strconv.AppendInt(buf, e.CPUTimeUsedMs, 10)
		buf = append(buf, `,"memory_used":`...)
		buf = appendMemoryUsed(buf, e.MemoryUsed)

	case KindEventLoopCompleted:
		buf = append(buf, `,"cpu_time_used_ms":`...)
		buf = strconv.AppendInt(buf, e.CPUTimeUsedMs, 10)

	case KindLog:
		buf = append(buf, `,"level":`...)
		buf = jsonenc.AppendString(buf, string(e.LogLevel))
		buf = append(buf, `,"message":`...)
		buf = jsonenc.AppendString(buf, e.LogMessage)
	}

	buf = append(buf, '}')
	return buf
}

func appendShutdownReason(buf []byte, r ShutdownReason) []byte {
	if r.Kind != ShutdownMemory {
		return jsonenc.AppendString(buf, string(r.Kind))
	}
	buf = append(buf, `{"limited_by":`...)
	buf = jsonenc.AppendString(buf, string(r.MemoryLimitedBy))
	buf = append(buf, '}')
	return buf
}

func appendMemoryUsed(buf []byte, m WorkerMemoryUsed) []byte {
	buf = append(buf, `{"total":`...)
	buf = strconv.AppendInt(buf, m.TotalBytes, 10)
	buf = append(buf, `,"heap":`...)
	buf = strconv.AppendInt(buf, m.HeapBytes, 10)
	buf = append(buf, `,"external":`...)
	buf = strconv.AppendInt(buf, m.ExternalBytes, 10)
	buf = append(buf, `,"mem_check_captured":`...)
	buf = strconv.AppendBool(buf, m.MemCheckCaptured)
	buf = append(buf, '}')
	return buf
}
