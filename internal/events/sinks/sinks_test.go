package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/events"
)

func sample(name events.Name, id string) events.Event {
	return events.Event{
		Name:     name,
		JobID:    id,
		URL:      "https://shop.example/p/" + id,
		State:    crawler.JobStateCompleted,
		Attempts: 1,
		Duration: 2 * time.Second,
		TS:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLogSinkWritesOneLinePerEvent(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	failed := sample(events.JobFailed, "b")
	failed.Reason = "stalled"

	require.NoError(t, sink.Consume(context.Background(), []events.Event{sample(events.JobCreated, "a"), failed}))
	require.Equal(t, 2, logs.Len())
	last := logs.All()[1].ContextMap()
	require.Equal(t, "job_failed", last["event"])
	require.Equal(t, "stalled", last["reason"])
	require.NoError(t, sink.Close(context.Background()))
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		sample(events.JobCreated, "a"),
		sample(events.JobCompleted, "a"),
		sample(events.JobFailed, "b"),
	}))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues("job_created")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues("job_completed")), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.jobRuntime, "scrapeq_job_runtime_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration is reported")
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1)
}

func TestPublisherSinkPublishesEnvelopes(t *testing.T) {
	t.Parallel()

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "scrape-events", mock.MatchedBy(func(payload any) bool {
		env, ok := payload.(events.Envelope)
		return ok && env.Data.JobID == "a"
	})).Return("msg-1", nil).Once()
	closed := false
	sink, err := NewPublisherSink(pub, "scrape-events", func() error {
		closed = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), []events.Event{sample(events.JobCompleted, "a")}))
	pub.AssertExpectations(t)

	require.NoError(t, sink.Close(context.Background()))
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, closed)

	_, err = NewPublisherSink(pub, "", nil)
	require.Error(t, err)
}

func TestPublisherSinkJoinsFailures(t *testing.T) {
	t.Parallel()

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "t", mock.Anything).Return("", errors.New("unavailable"))
	sink, err := NewPublisherSink(pub, "t", nil)
	require.NoError(t, err)

	err = sink.Consume(context.Background(), []events.Event{sample(events.JobCompleted, "a"), sample(events.JobFailed, "b")})
	require.ErrorContains(t, err, "job_completed/a")
	require.ErrorContains(t, err, "job_failed/b")
	pub.AssertNumberOfCalls(t, "Publish", 2)
}

func TestWebhookSinkPostsEnvelope(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		keys   []string
		bodies []events.Envelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env events.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		keys = append(keys, r.Header.Get("x-api-key"))
		bodies = append(bodies, env)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, APIKey: "secret"}, srv.Client(), nil)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), []events.Event{sample(events.JobCompleted, "a")}))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"secret"}, keys)
	require.Equal(t, events.JobCompleted, bodies[0].Event)
	require.Equal(t, "a", bodies[0].Data.JobID)
	require.EqualValues(t, 2000, bodies[0].Data.DurationMs)
}

func TestWebhookSinkSuppressesInFlightDuplicate(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)

	evt := sample(events.JobCompleted, "a")
	require.True(t, sink.begin(evt.Key()))
	require.NoError(t, sink.Consume(context.Background(), []events.Event{evt, sample(events.JobCompleted, "b")}))
	require.EqualValues(t, 1, hits.Load(), "only the other job is delivered")

	sink.finish(evt.Key())
	require.NoError(t, sink.Consume(context.Background(), []events.Event{evt}))
	require.EqualValues(t, 2, hits.Load())
}

func TestWebhookSinkCleansUpStalePending(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return now }

	evt := sample(events.JobFailed, "a")
	require.True(t, sink.begin(evt.Key()))
	now = now.Add(6 * time.Minute)

	require.NoError(t, sink.Consume(context.Background(), []events.Event{evt}))
	require.EqualValues(t, 1, hits.Load())
}

func TestWebhookSinkReportsBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL}, srv.Client(), nil)
	require.NoError(t, err)
	err = sink.Consume(context.Background(), []events.Event{sample(events.JobFailed, "a")})
	require.ErrorContains(t, err, "unexpected status 502")

	_, err = NewWebhookSink(WebhookConfig{}, nil, nil)
	require.Error(t, err)
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockWriter) Close() error {
	return m.Called().Error(0)
}

func TestKafkaSinkWritesBatchKeyedByJob(t *testing.T) {
	t.Parallel()

	writer := &mockWriter{}
	writer.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		if len(msgs) != 2 {
			return false
		}
		var env events.Envelope
		if err := json.Unmarshal(msgs[1].Value, &env); err != nil {
			return false
		}
		return string(msgs[0].Key) == "a" &&
			string(msgs[1].Key) == "b" &&
			env.Event == events.JobFailed &&
			string(msgs[1].Headers[0].Value) == "job_failed"
	})).Return(nil).Once()
	writer.On("Close").Return(nil).Once()

	sink := NewKafkaSinkWithWriter(writer)
	require.NoError(t, sink.Consume(context.Background(), []events.Event{sample(events.JobCompleted, "a"), sample(events.JobFailed, "b")}))
	require.NoError(t, sink.Consume(context.Background(), nil))
	require.NoError(t, sink.Close(context.Background()))
	writer.AssertExpectations(t)
}

func TestKafkaSinkWrapsWriteError(t *testing.T) {
	t.Parallel()

	writer := &mockWriter{}
	boom := errors.New("leader not available")
	writer.On("WriteMessages", mock.Anything, mock.Anything).Return(boom)

	err := NewKafkaSinkWithWriter(writer).Consume(context.Background(), []events.Event{sample(events.JobCreated, "a")})
	require.ErrorIs(t, err, boom)

	_, err = NewKafkaSink(nil, "events")
	require.Error(t, err)
}

type mockStream struct {
	mock.Mock
}

func (m *mockStream) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	called := m.Called(ctx, args)
	cmd := redis.NewStringCmd(ctx)
	if called.Get(0) != nil {
		cmd.SetErr(called.Error(0))
	} else {
		cmd.SetVal("1700000000000-0")
	}
	return cmd
}

func (m *mockStream) Close() error {
	return m.Called().Error(0)
}

func TestRedisStreamSinkAppendsEvents(t *testing.T) {
	t.Parallel()

	client := &mockStream{}
	client.On("XAdd", mock.Anything, mock.MatchedBy(func(args *redis.XAddArgs) bool {
		values, ok := args.Values.(map[string]any)
		return ok &&
			args.Stream == "scrapeq:events" &&
			args.MaxLen == 1000 &&
			args.Approx &&
			values["event"] == "job_completed" &&
			values["job_id"] == "a"
	})).Return(nil).Once()
	client.On("Close").Return(nil).Once()

	sink, err := NewRedisStreamSinkWithClient(client, "scrapeq:events", 1000)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), []events.Event{sample(events.JobCompleted, "a")}))
	require.NoError(t, sink.Close(context.Background()))
	client.AssertExpectations(t)
}

func TestRedisStreamSinkStopsOnError(t *testing.T) {
	t.Parallel()

	client := &mockStream{}
	boom := errors.New("READONLY")
	client.On("XAdd", mock.Anything, mock.Anything).Return(boom).Once()

	sink, err := NewRedisStreamSinkWithClient(client, "s", 0)
	require.NoError(t, err)
	err = sink.Consume(context.Background(), []events.Event{sample(events.JobCreated, "a"), sample(events.JobCreated, "b")})
	require.ErrorIs(t, err, boom)
	client.AssertNumberOfCalls(t, "XAdd", 1)
}
