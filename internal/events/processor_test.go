package events

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
	"github.com/OrlandoBitencourt/flagkeeper/internal/flagr/flagrtest"
)

func sampleEvent(key string) FeatureEvent {
	r := Redactor{}
	detail := domain.Detail{Value: true, VariantKey: "on", Reason: domain.Reason{Kind: domain.ReasonRuleMatch}}
	return r.NewFeatureEvent(key, domain.NewContext("alice"), detail, false, time.UnixMilli(1700000000000))
}

func TestRedactor_NewFeatureEvent(t *testing.T) {
	r := Redactor{PrivateAttributes: []string{"ip"}}
	evalCtx := domain.NewContext("alice").
		With("ip", "10.0.0.1").
		With("country", "br").
		WithPrivate("email", "alice@example.com")
	detail := domain.Detail{Value: "blue", VariantKey: "blue", Reason: domain.Reason{Kind: domain.ReasonFallthrough}}

	event := r.NewFeatureEvent("color", evalCtx, detail, "red", time.UnixMilli(42))

	assert.Equal(t, "feature", event.Kind)
	assert.Equal(t, int64(42), event.CreationDate)
	assert.Equal(t, "color", event.Key)
	assert.Equal(t, "blue", event.Value)
	assert.Equal(t, "red", event.Default)
	assert.Equal(t, "blue", event.Variation)
	assert.Equal(t, "alice", event.Context["key"])
	assert.Equal(t, "br", event.Context["country"])
	assert.NotContains(t, event.Context, "ip")
	assert.NotContains(t, event.Context, "email")
	require.NotNil(t, event.Reason)
	assert.Equal(t, domain.ReasonFallthrough, event.Reason.Kind)
}

func TestBufferedProcessor_RecordAndFlush(t *testing.T) {
	pub := NewMemoryPublisher()
	p := NewBufferedProcessor(pub, 10)

	p.Record(sampleEvent("a"))
	p.Record(sampleEvent("b"))

	require.NoError(t, p.Flush(context.Background()))

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Key)
	assert.Equal(t, "b", events[1].Key)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Recorded)
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, 0, stats.Queued)
}

func TestBufferedProcessor_EmptyFlushPublishesNothing(t *testing.T) {
	pub := NewMemoryPublisher()
	p := NewBufferedProcessor(pub, 10)

	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 0, pub.Batches())
}

func TestBufferedProcessor_DropsWhenFull(t *testing.T) {
	pub := NewMemoryPublisher()
	p := NewBufferedProcessor(pub, 2)

	for range 5 {
		p.Record(sampleEvent("x"))
	}

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.Recorded)
	assert.Equal(t, uint64(3), stats.Dropped)
	assert.Equal(t, 2, stats.Queued)
}

func TestBufferedProcessor_FailedBatchCounted(t *testing.T) {
	pub := NewMemoryPublisher()
	pub.Err = errors.New("endpoint down")
	p := NewBufferedProcessor(pub, 10)

	p.Record(sampleEvent("x"))

	err := p.Flush(context.Background())
	assert.Error(t, err)
	assert.Equal(t, uint64(1), p.Stats().Failed)
	assert.Equal(t, 0, p.Stats().Queued)
}

func TestBufferedProcessor_ClosedDrops(t *testing.T) {
	pub := NewMemoryPublisher()
	p := NewBufferedProcessor(pub, 10)

	require.NoError(t, p.Close())
	p.Record(sampleEvent("late"))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Recorded)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestBufferedProcessor_ResetKeepsQueue(t *testing.T) {
	pub := NewMemoryPublisher()
	p := NewBufferedProcessor(pub, 10)

	p.Record(sampleEvent("before-reset"))
	require.NoError(t, p.Reset())
	require.NoError(t, p.Flush(context.Background()))

	assert.Equal(t, 1, pub.Resets())
	require.Len(t, pub.Events(), 1)
	assert.Equal(t, "before-reset", pub.Events()[0].Key)
}

func TestRedactor_DropsUnencodableValues(t *testing.T) {
	r := Redactor{PrivateAttributes: []string{"email"}}
	evalCtx := domain.NewContext("alice").
		With("score", math.NaN()).
		With("updates", make(chan int)).
		With("email", "alice@example.com").
		With("plan", "pro")
	detail := domain.Detail{Value: math.Inf(1), Reason: domain.Reason{Kind: domain.ReasonFallthrough}}

	event := r.NewFeatureEvent("score-flag", evalCtx, detail, 1.5, time.UnixMilli(1))

	assert.Nil(t, event.Value)
	assert.Equal(t, 1.5, event.Default)
	assert.Equal(t, "pro", event.Context["plan"])
	assert.NotContains(t, event.Context, "score")
	assert.NotContains(t, event.Context, "updates")

	meta := event.Context["_meta"].(map[string]any)
	assert.Equal(t, []string{"score", "updates"}, meta["droppedAttributes"])
	assert.Equal(t, []string{"email"}, meta["redactedAttributes"])
}

func TestBufferedProcessor_UnencodableContextDoesNotPoisonBatch(t *testing.T) {
	srv := flagrtest.NewServer()
	defer srv.Close()

	pub := NewHTTPPublisher(HTTPPublisherConfig{Endpoint: srv.URL, Timeout: time.Second})
	p := NewBufferedProcessor(pub, 10)

	r := Redactor{}
	detail := domain.Detail{Value: true, Reason: domain.Reason{Kind: domain.ReasonFallthrough}}
	now := time.UnixMilli(1)
	p.Record(r.NewFeatureEvent("banner", domain.NewContext("bob"), detail, false, now))
	p.Record(r.NewFeatureEvent("banner", domain.NewContext("carol"), detail, false, now))
	p.Record(r.NewFeatureEvent("banner", domain.NewContext("alice").With("score", math.NaN()), detail, false, now))

	require.NoError(t, p.Flush(context.Background()))

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Sent)
	assert.Equal(t, uint64(0), stats.Failed)

	received := srv.Events()
	require.Len(t, received, 3)
	alice := received[2]["context"].(map[string]any)
	assert.Equal(t, "alice", alice["key"])
	assert.NotContains(t, alice, "score")
	assert.Contains(t, alice, "_meta")
}

func TestNullProcessor(t *testing.T) {
	p := NewNullProcessor()
	p.Record(sampleEvent("x"))
	assert.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, Stats{}, p.Stats())
}

func TestHTTPPublisher_Publish(t *testing.T) {
	srv := flagrtest.NewServer()
	defer srv.Close()
	srv.RequireKey("sdk-key")

	pub := NewHTTPPublisher(HTTPPublisherConfig{
		Endpoint: srv.URL,
		APIKey:   "sdk-key",
		Timeout:  time.Second,
	})

	require.NoError(t, pub.Publish(context.Background(), []FeatureEvent{sampleEvent("a"), sampleEvent("b")}))

	events := srv.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0]["key"])
	assert.Equal(t, "feature", events[0]["kind"])

	ids := srv.PayloadIDs()
	require.Len(t, ids, 1)
	assert.Len(t, ids[0], 36)
}

func TestHTTPPublisher_RetriesOnceWithSamePayloadID(t *testing.T) {
	var calls atomic.Int32
	var ids [2]atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			ids[n-1].Store(r.Header.Get("X-Payload-ID"))
		}
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pub := NewHTTPPublisher(HTTPPublisherConfig{Endpoint: srv.URL, Timeout: time.Second, RetryDelay: 10 * time.Millisecond})

	require.NoError(t, pub.Publish(context.Background(), []FeatureEvent{sampleEvent("a")}))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, ids[0].Load(), ids[1].Load())
}

func TestHTTPPublisher_FailsAfterRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	pub := NewHTTPPublisher(HTTPPublisherConfig{Endpoint: srv.URL, Timeout: time.Second, RetryDelay: time.Millisecond})

	err := pub.Publish(context.Background(), []FeatureEvent{sampleEvent("a")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after retry")
	assert.NoError(t, pub.Reset())
	assert.NoError(t, pub.Close())
}
