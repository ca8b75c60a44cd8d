package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.ServiceName = "" },
			wantErr: "service name is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid log format",
		},
		{
			name: "bad exporter when tracing enabled",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: "invalid trace exporter",
		},
		{
			name:    "sampling rate out of range",
			mutate:  func(c *Config) { c.Tracing.SamplingRate = 1.5 },
			wantErr: "sampling rate",
		},
		{
			name:    "metrics without address",
			mutate:  func(c *Config) { c.Metrics.ListenAddress = "" },
			wantErr: "listen address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// newFileLogger returns a JSON logger writing to a temp file and a func
// reading back what was written.
func newFileLogger(t *testing.T) (*Logger, func() string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log.json")
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)
	return logger, func() string {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return string(data)
	}
}

func TestLoggerFields(t *testing.T) {
	base, read := newFileLogger(t)
	logger := base.
		NewComponentLogger("event-processor").
		WithResourceID("default/web").
		WithDispatchID("d-1")

	logger.Info("dispatching")

	out := read()
	assert.Contains(t, out, `"component":"event-processor"`)
	assert.Contains(t, out, `"resource_id":"default/web"`)
	assert.Contains(t, out, `"dispatch_id":"d-1"`)
	assert.Contains(t, out, `"message":"dispatching"`)
}

func TestLogEventsWritesAtEventLevel(t *testing.T) {
	logger, read := newFileLogger(t)
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	require.NoError(t, err)
	ep.Subscribe(LogEvents(logger), nil)

	require.NoError(t, ep.PublishRetryScheduled("default/web", 2, time.Second))
	require.NoError(t, ep.PublishNodeOutcome("default/web", "app", "config", "errored", errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(read()), "\n")
	require.Len(t, lines, 2)

	assert.Contains(t, lines[0], `"level":"warn"`)
	assert.Contains(t, lines[0], `"event":"retry.scheduled"`)
	assert.Contains(t, lines[0], `"resource_id":"default/web"`)
	assert.Contains(t, lines[0], `"attempt":2`)

	assert.Contains(t, lines[1], `"level":"error"`)
	assert.Contains(t, lines[1], `"workflow":"app"`)
	assert.Contains(t, lines[1], `"node":"config"`)
	assert.Contains(t, lines[1], `"error":"boom"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	m.RecordEventReceived("added")
	m.RecordEventReceived("added")
	m.RecordDispatch("success", 10*time.Millisecond)
	m.RecordRetryScheduled()
	m.RecordRetryExhausted()
	m.SetInFlight(3)
	m.SetPendingResources(2)
	m.RecordNodeExecution("web", "config", "reconciled", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsReceived.WithLabelValues("added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retriesScheduled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retriesExhausted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.inFlightDispatches))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pendingResources))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodeExecutions.WithLabelValues("web", "config", "reconciled")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_events_received_total"))
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.RecordEventReceived("added")
		m.RecordDispatch("failure", time.Second)
		m.RecordRetryScheduled()
		m.SetInFlight(1)
		m.RecordNodeExecution("w", "n", "errored", time.Second)
		m.RecordError("execution")
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	require.NoError(t, err)

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeRetryScheduled))

	require.NoError(t, ep.PublishDispatchStarted("default/web", "d-1", 0))
	require.NoError(t, ep.PublishRetryScheduled("default/web", 1, time.Second))

	require.Len(t, got, 1)
	assert.Equal(t, EventTypeRetryScheduled, got[0].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 100, MaxBatchSize: 10, EnableAsync: true})
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterByResourceID("default/web"))

	for i := 0; i < 20; i++ {
		require.NoError(t, ep.PublishNodeOutcome("default/web", "web", "config", "reconciled", nil))
	}
	require.NoError(t, ep.PublishNodeOutcome("other", "web", "config", "errored", errors.New("boom")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ep.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 20, count)
}

func TestNoopTelemetry(t *testing.T) {
	tel := Noop()
	tel.Logger.Info("quiet")

	assert.NoError(t, tel.Events.PublishResourceCleanedUp("default/web"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}
