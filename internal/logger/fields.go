package logger

import "log/slog"

// Standard field keys for structured logging. Use these keys consistently
// across all log statements so pushes, prunes and fetches for one document
// can be correlated in aggregated logs.
const (
	KeyDocID      = "doc_id"      // document identifier (trunk or fork)
	KeyWorkerID   = "worker_id"   // worker process identifier
	KeySnapshotID = "snapshot_id" // blob store version token
	KeyKey        = "key"         // object key in the blob store
	KeyChecksum   = "checksum"    // content token
	KeyPath       = "path"        // local file path
	KeyLabel      = "label"       // snapshot label
	KeyAttempt    = "attempt"     // retry attempt number
	KeyMaxRetries = "max_retries" // maximum retry attempts
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyOperation  = "operation"   // sub-operation name
	KeyCount      = "count"       // generic count
)

// DocID returns a slog.Attr for a document identifier
func DocID(id string) slog.Attr {
	return slog.String(KeyDocID, id)
}

// WorkerID returns a slog.Attr for a worker identifier
func WorkerID(id string) slog.Attr {
	return slog.String(KeyWorkerID, id)
}

// SnapshotID returns a slog.Attr for a blob store version token
func SnapshotID(id string) slog.Attr {
	return slog.String(KeySnapshotID, id)
}

// Key returns a slog.Attr for an object key
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// Checksum returns a slog.Attr for a content token
func Checksum(c string) slog.Attr {
	return slog.String(KeyChecksum, c)
}

// Path returns a slog.Attr for a local file path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Operation returns a slog.Attr for a sub-operation name
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}
