package exchange

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"channelsync/internal/database"
	"channelsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

const testTask = "push_test"

// positionalStrategy sends one {"key": id} entry per item.
type positionalStrategy struct{}

func (positionalStrategy) Map(_ context.Context, batch *Batch) (*Request, error) {
	var body []map[string]string
	var ids []string
	skipped := make(map[string]error)
	for _, item := range batch.Items {
		if item.Payload == "skip" {
			skipped[item.ID] = Integrity("subject missing")
			continue
		}
		body = append(body, map[string]string{"key": item.ID})
		ids = append(ids, item.ID)
	}
	req, err := NewJSONRequest(batch, "", body)
	if err != nil {
		return nil, err
	}
	req.Correlation = ids
	for id, cause := range skipped {
		req.Skip(id, cause)
	}
	return req, nil
}

func (positionalStrategy) ParseResponse(raw *RawResponse, req *Request) (map[string]ItemResult, error) {
	return ParseResults(raw, req)
}

type fixture struct {
	db      *database.DB
	srv     *httptest.Server
	hits    atomic.Int32
	cfg     *models.ExchangeConfig
	ep      *models.Endpoint
	handler *QueueHandler
	orch    *Orchestrator
}

func newFixture(t *testing.T, reply http.HandlerFunc) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	ctx := context.Background()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "exchange.db"), &logger)
	require.NoError(t, err)
	db.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		reply(w, r)
	}))
	t.Cleanup(f.srv.Close)

	f.cfg = &models.ExchangeConfig{Name: "alpha", BaseURL: f.srv.URL, APIKey: "secret", Active: true}
	require.NoError(t, db.CreateConfig(ctx, f.cfg))
	f.ep = &models.Endpoint{Action: testTask, Method: http.MethodPost, Path: "/bookings"}
	require.NoError(t, db.CreateEndpoint(ctx, f.ep))

	f.handler = &QueueHandler{
		Store:          db,
		Policy:         RetryPolicy{InitialDelay: 5 * time.Second, MaxDelay: time.Minute, BackoffFactor: 2},
		RejectionDelay: 30 * time.Second,
		Logger:         &logger,
		Clock:          func() time.Time { return testNow },
	}

	registry := NewRegistry()
	require.NoError(t, registry.Register(&Task{
		Name:      testTask,
		Provider:  NewQueueProvider(testTask, db, time.Minute, time.Minute).WithClock(func() time.Time { return testNow }),
		Strategy:  positionalStrategy{},
		Handler:   f.handler,
		BatchSize: 10,
	}))
	f.orch = NewOrchestrator(registry, NewHTTPTransport(2*time.Second, 0, &logger), "worker-1", &logger)
	return f
}

func (f *fixture) enqueue(t *testing.T, n int, mutate ...func(*models.QueueItem)) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		item := &models.QueueItem{
			TaskName:    testTask,
			ConfigID:    f.cfg.ID,
			EndpointID:  f.ep.ID,
			SubjectType: models.SubjectLink,
			SubjectID:   int64(i + 1),
			RunAt:       testNow.Add(time.Duration(i-n) * time.Second),
			MaxAttempts: 3,
		}
		for _, m := range mutate {
			m(item)
		}
		require.NoError(t, f.db.EnqueueItem(context.Background(), item))
		ids = append(ids, item.ID)
	}
	return ids
}

func (f *fixture) item(t *testing.T, id string) *models.QueueItem {
	t.Helper()
	item, err := f.db.GetQueueItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

func jsonReply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}
