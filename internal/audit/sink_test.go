package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openisr/nexus/internal/config"
)

// mockWriter is a thread-safe mock writer.
type mockWriter struct {
	mu     sync.Mutex
	events []*Event
}

func (w *mockWriter) WriteEvent(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return nil
}

func (w *mockWriter) WriteBatch(events []*Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, events...)
	return nil
}

func TestBatchSink(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 5, 100*time.Millisecond, 0, 0)

	for i := 0; i < 3; i++ {
		sink.WriteEvent(&Event{Operation: fmt.Sprintf("op-%d", i)})
	}

	time.Sleep(10 * time.Millisecond)
	mock.mu.Lock()
	assert.Len(t, mock.events, 0)
	mock.mu.Unlock()

	time.Sleep(150 * time.Millisecond)
	mock.mu.Lock()
	assert.Len(t, mock.events, 3)
	mock.mu.Unlock()

	for i := 0; i < 5; i++ {
		sink.WriteEvent(&Event{Operation: fmt.Sprintf("op-batch-%d", i)})
	}

	time.Sleep(50 * time.Millisecond)
	mock.mu.Lock()
	assert.Len(t, mock.events, 8)
	mock.mu.Unlock()

	sink.Close()
}

func TestHTTPSink(t *testing.T) {
	var capturedEvents []*Event
	var mu sync.Mutex

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		r.Body.Close()

		var events []*Event
		if err := json.Unmarshal(body, &events); err != nil {
			var event Event
			if err2 := json.Unmarshal(body, &event); err2 == nil {
				events = []*Event{&event}
			} else {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}

		capturedEvents = append(capturedEvents, events...)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, map[string]string{"X-Test": "true"})

	event := &Event{Operation: "test-http"}
	err := sink.WriteEvent(event)
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, capturedEvents, 1)
	assert.Equal(t, "test-http", capturedEvents[0].Operation)
	mu.Unlock()
}

func TestFileSink(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "audit-log-*.json")
	require.NoError(t, err)
	path := tmpfile.Name()
	tmpfile.Close()
	defer os.Remove(path)

	sink := NewFileSink(path)
	event := &Event{Operation: "test-file"}
	err = sink.WriteEvent(event)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var loadedEvent Event
	err = json.Unmarshal(content, &loadedEvent)
	require.NoError(t, err)
	assert.Equal(t, "test-file", loadedEvent.Operation)
}

func TestHTTPSinkDropsChunkReadEvents(t *testing.T) {
	var capturedEvents []*Event
	var mu sync.Mutex
	var requests int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		requests++

		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		r.Body.Close()

		var events []*Event
		require.NoError(t, json.Unmarshal(body, &events))
		capturedEvents = append(capturedEvents, events...)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, nil)

	err := sink.WriteBatch([]*Event{
		{Operation: "read", EventType: EventTypeChunkRead},
		{Operation: "write", EventType: EventTypeChunkWrite},
	})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, capturedEvents, 1)
	assert.Equal(t, "write", capturedEvents[0].Operation)
	mu.Unlock()

	// An all-read batch never reaches the endpoint at all.
	err = sink.WriteEvent(&Event{Operation: "read2", EventType: EventTypeChunkRead})
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, 1, requests)
	mu.Unlock()
}

func TestFileSinkMirrorsAlertsToSeparateFile(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "audit-log-*.json")
	require.NoError(t, err)
	path := tmpfile.Name()
	tmpfile.Close()
	defer os.Remove(path)
	defer os.Remove(path + ".alerts")

	sink := NewFileSink(path)

	require.NoError(t, sink.WriteEvent(&Event{Operation: "read", EventType: EventTypeChunkRead}))
	require.NoError(t, sink.WriteEvent(&Event{Operation: "chunk-err", EventType: EventTypeChunkError}))
	require.NoError(t, sink.WriteEvent(&Event{Operation: "rotate", EventType: EventTypeKeyRotation}))

	main, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, countLines(main))

	alerts, err := os.ReadFile(path + ".alerts")
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(alerts))
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestNewLoggerFromConfig(t *testing.T) {
	cfg := config.AuditConfig{
		Enabled: true,
		Sink: config.SinkConfig{
			Type:      "http",
			Endpoint:  "http://localhost:1234",
			BatchSize: 10,
		},
	}

	logger, err := NewLoggerFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	if l, ok := logger.(interface{ Close() error }); ok {
		l.Close()
	}
}

func TestRedactMetadataMatchesGlobPatterns(t *testing.T) {
	mock := &mockWriter{}
	logger := NewLoggerWithRedaction(10, mock, []string{"key_*", "secret"})

	l := logger.(*auditLogger)
	redacted := l.redactMetadata(map[string]interface{}{
		"key_material": "deadbeef",
		"key_version":  3,
		"secret":       "shh",
		"algorithm":    "zstd",
	})

	assert.Equal(t, "[REDACTED]", redacted["key_material"])
	assert.Equal(t, "[REDACTED]", redacted["key_version"])
	assert.Equal(t, "[REDACTED]", redacted["secret"])
	assert.Equal(t, "zstd", redacted["algorithm"])
}
