package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"channelsync/internal/config"
	"channelsync/internal/database"
	"channelsync/internal/exchange"
	"channelsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type captured struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// platform is a fake channel platform recording every call.
type platform struct {
	mu    sync.Mutex
	calls []captured
	reply func(c captured) (int, any)
}

func (p *platform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c := captured{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body}
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()

	status, out := p.reply(c)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

func (p *platform) last(t *testing.T) captured {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.calls)
	return p.calls[len(p.calls)-1]
}

func (p *platform) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type env struct {
	db        *database.DB
	platform  *platform
	cfg       *models.ExchangeConfig
	endpoints map[string]*models.Endpoint
	unit      *models.Unit
	principal *models.RoomMapping
	mirror    *models.RoomMapping
	orch      *exchange.Orchestrator
}

func newEnv(t *testing.T, applier BookingApplier) *env {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.New(io.Discard)

	db, err := database.NewDB(filepath.Join(t.TempDir(), "tasks.db"), &logger)
	require.NoError(t, err)
	db.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { _ = db.Close() })

	p := &platform{reply: func(captured) (int, any) { return http.StatusOK, map[string]any{"success": true} }}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	e := &env{db: db, platform: p, endpoints: make(map[string]*models.Endpoint)}
	e.cfg = &models.ExchangeConfig{Name: "alpha", BaseURL: srv.URL, APIKey: "k", Active: true}
	require.NoError(t, db.CreateConfig(ctx, e.cfg))

	for action, method := range map[string]string{
		models.TaskPushBookings:   http.MethodPost,
		models.TaskDeleteBookings: http.MethodDelete,
		models.TaskPullBookings:   http.MethodGet,
		models.TaskPushRates:      http.MethodPut,
	} {
		ep := &models.Endpoint{Action: action, Method: method, Path: "/" + action}
		require.NoError(t, db.CreateEndpoint(ctx, ep))
		e.endpoints[action] = ep
	}

	e.unit = &models.Unit{Name: "Sea view", Active: true}
	require.NoError(t, db.CreateUnit(ctx, e.unit))
	e.principal = &models.RoomMapping{UnitID: e.unit.ID, ConfigID: e.cfg.ID, ExternalRoomID: "R1", Code: "A", IsPrincipal: true, Active: true}
	require.NoError(t, db.CreateMapping(ctx, e.principal))
	e.mirror = &models.RoomMapping{UnitID: e.unit.ID, ConfigID: e.cfg.ID, ExternalRoomID: "R2", Code: "B", Active: true}
	require.NoError(t, db.CreateMapping(ctx, e.mirror))

	cfg := &config.Config{}
	cfg.Exchange.LockTTL = time.Minute
	cfg.Exchange.SpecificLockTTL = time.Minute

	registry := exchange.NewRegistry()
	require.NoError(t, Register(registry, Deps{
		DB:      db,
		Applier: applier,
		Config:  cfg,
		Base: exchange.QueueHandler{
			Policy:         exchange.RetryPolicy{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2},
			RejectionDelay: time.Minute,
			Logger:         &logger,
			Clock:          func() time.Time { return testNow },
		},
	}))
	for _, name := range registry.Names() {
		task, err := registry.Get(name)
		require.NoError(t, err)
		task.Provider.(*exchange.QueueProvider).WithClock(func() time.Time { return testNow })
	}
	e.orch = exchange.NewOrchestrator(registry, exchange.NewHTTPTransport(2*time.Second, 0, &logger), "worker-t", &logger)
	return e
}

// seedBooking creates a reservation, an event and one link per mapping.
func (e *env) seedBooking(t *testing.T) (*models.CalendarEvent, *models.Link, *models.Link) {
	t.Helper()
	var event *models.CalendarEvent
	var principal, mirror *models.Link
	err := e.db.WithinTx(context.Background(), database.OriginAdmin, func(tx *database.Tx) error {
		r := &models.Reservation{GuestName: "Ann Lee", GuestEmail: "ann@example.com"}
		if err := tx.InsertReservation(context.Background(), r); err != nil {
			return err
		}
		event = &models.CalendarEvent{
			UnitID:        e.unit.ID,
			ReservationID: &r.ID,
			Kind:          models.EventKindBooking,
			StartDate:     time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
			EndDate:       time.Date(2025, 7, 4, 0, 0, 0, 0, time.UTC),
			Guests:        2,
			Currency:      "EUR",
		}
		if err := tx.InsertEvent(context.Background(), event); err != nil {
			return err
		}
		principal = &models.Link{EventID: &event.ID, MappingID: &e.principal.ID, IsPrincipal: true}
		if err := tx.InsertLink(context.Background(), principal); err != nil {
			return err
		}
		mirror = &models.Link{EventID: &event.ID, MappingID: &e.mirror.ID, IsMirror: true}
		return tx.InsertLink(context.Background(), mirror)
	})
	require.NoError(t, err)
	return event, principal, mirror
}

func (e *env) enqueue(t *testing.T, task, subjectType string, subjectID int64, payload any) *models.QueueItem {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	item := &models.QueueItem{
		TaskName:    task,
		ConfigID:    e.cfg.ID,
		EndpointID:  e.endpoints[task].ID,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Payload:     string(data),
		RunAt:       testNow.Add(-time.Minute),
		MaxAttempts: 3,
	}
	require.NoError(t, e.db.EnqueueItem(context.Background(), item))
	return item
}

func (e *env) item(t *testing.T, id string) *models.QueueItem {
	t.Helper()
	item, err := e.db.GetQueueItem(context.Background(), id)
	require.NoError(t, err)
	return item
}

// keyedEcho answers one entry per "key" found under field. A non-empty prefix
// adds an id made of prefix and key.
func keyedEcho(field, prefix string) func(c captured) (int, any) {
	return func(c captured) (int, any) {
		var body map[string][]map[string]any
		if err := json.Unmarshal(c.Body, &body); err != nil {
			return http.StatusBadRequest, map[string]any{"error": err.Error()}
		}
		var out []map[string]any
		for _, entry := range body[field] {
			reply := map[string]any{"key": entry["key"], "success": true}
			if prefix != "" {
				reply["id"] = fmt.Sprintf("%s%v", prefix, entry["key"])
			}
			out = append(out, reply)
		}
		return http.StatusOK, out
	}
}

func exchangeTask(e *env, name string) (*exchange.Task, error) {
	return e.orch.Registry().Get(name)
}
