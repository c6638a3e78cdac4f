// Package audit records a trail of security- and durability-relevant
// chunk-cache events: every CHUNK_ERR, every UPDATE_META (a write-back
// that reached the backing store, logged as a chunk write), and every
// cache eviction. Adapted from the
// encryption gateway's audit trail, with S3 operation/bucket/key fields
// replaced by chunk/device/state fields.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ryanuber/go-glob"

	"github.com/openisr/nexus/internal/chunk"
	"github.com/openisr/nexus/internal/config"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeChunkWrite represents a committed chunk write.
	EventTypeChunkWrite EventType = "chunk_write"
	// EventTypeChunkRead represents a chunk read.
	EventTypeChunkRead EventType = "chunk_read"
	// EventTypeKeyRotation represents the agent re-wrapping a chunk's key.
	EventTypeKeyRotation EventType = "key_rotation"
	// EventTypeChunkError represents a CHUNK_ERR sent to the agent.
	EventTypeChunkError EventType = "chunk_error"
	// EventTypeEviction represents a chunk table LRU eviction.
	EventTypeEviction EventType = "eviction"
)

// Event represents a single audit log event.
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	DeviceIdent string                `json:"device_ident,omitempty"`
	ChunkID    uint64                 `json:"chunk_id,omitempty"`
	State      string                 `json:"state,omitempty"`
	Algorithm  string                 `json:"algorithm,omitempty"`
	KeyVersion int                    `json:"key_version,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	Log(event *Event) error
	LogChunkWrite(deviceIdent string, cid chunk.ID, algo chunk.Compression, keyVersion int, success bool, err error, duration time.Duration, metadata map[string]interface{})
	LogChunkRead(deviceIdent string, cid chunk.ID, algo chunk.Compression, keyVersion int, success bool, err error, duration time.Duration, metadata map[string]interface{})
	LogKeyRotation(deviceIdent string, cid chunk.ID, keyVersion int, success bool, err error)
	LogChunkError(deviceIdent string, cid chunk.ID, fault chunk.Fault, write bool)
	LogEviction(deviceIdent string, cid chunk.ID, state chunk.State)
	GetEvents() []*Event
	Close() error
}

// auditLogger implements Logger.
type auditLogger struct {
	mu         sync.Mutex
	events     []*Event
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction key
// patterns. A pattern may use `*`/`?` globs (e.g. "key_*") in addition
// to exact metadata key names.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}
	return &auditLogger{
		events:     make([]*Event, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("audit: unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.WriteEvent(event); err != nil {
			fmt.Printf("audit: sink write failed: %v\n", err)
		}
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata replaces any metadata value whose key matches one of
// l.redactKeys (exact or glob) with a placeholder.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	matched := make([]string, 0)
	for k := range metadata {
		for _, pattern := range l.redactKeys {
			if glob.Glob(pattern, k) {
				matched = append(matched, k)
				break
			}
		}
	}
	if len(matched) == 0 {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, k := range matched {
		clone[k] = "[REDACTED]"
	}
	return clone
}

// LogChunkWrite logs a committed chunk write (a Dirty->StoreData
// transition that reached the backing store).
func (l *auditLogger) LogChunkWrite(deviceIdent string, cid chunk.ID, algo chunk.Compression, keyVersion int, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &Event{
		Timestamp:   time.Now(),
		EventType:   EventTypeChunkWrite,
		Operation:   "chunk_write",
		DeviceIdent: deviceIdent,
		ChunkID:     uint64(cid),
		Algorithm:   algo.String(),
		KeyVersion:  keyVersion,
		Success:     success,
		Duration:    duration,
		Metadata:    l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogChunkRead logs a chunk read that reached the backing store (a
// cache miss).
func (l *auditLogger) LogChunkRead(deviceIdent string, cid chunk.ID, algo chunk.Compression, keyVersion int, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &Event{
		Timestamp:   time.Now(),
		EventType:   EventTypeChunkRead,
		Operation:   "chunk_read",
		DeviceIdent: deviceIdent,
		ChunkID:     uint64(cid),
		Algorithm:   algo.String(),
		KeyVersion:  keyVersion,
		Success:     success,
		Duration:    duration,
		Metadata:    l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogKeyRotation logs the agent re-wrapping a chunk's convergent key
// under a new KMIP key version.
func (l *auditLogger) LogKeyRotation(deviceIdent string, cid chunk.ID, keyVersion int, success bool, err error) {
	event := &Event{
		Timestamp:   time.Now(),
		EventType:   EventTypeKeyRotation,
		Operation:   "key_rotation",
		DeviceIdent: deviceIdent,
		ChunkID:     uint64(cid),
		KeyVersion:  keyVersion,
		Success:     success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogChunkError logs a CHUNK_ERR delivered over the agent channel.
func (l *auditLogger) LogChunkError(deviceIdent string, cid chunk.ID, fault chunk.Fault, write bool) {
	op := "read_error"
	if write {
		op = "write_error"
	}
	l.Log(&Event{
		Timestamp:   time.Now(),
		EventType:   EventTypeChunkError,
		Operation:   op,
		DeviceIdent: deviceIdent,
		ChunkID:     uint64(cid),
		Success:     false,
		Error:       fault.String(),
	})
}

// LogEviction logs a chunk table LRU eviction.
func (l *auditLogger) LogEviction(deviceIdent string, cid chunk.ID, state chunk.State) {
	l.Log(&Event{
		Timestamp:   time.Now(),
		EventType:   EventTypeEviction,
		Operation:   "eviction",
		DeviceIdent: deviceIdent,
		ChunkID:     uint64(cid),
		State:       state.String(),
		Success:     true,
	})
}

// GetEvents returns all buffered audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter writes events to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}
