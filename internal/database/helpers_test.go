package database

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"channelsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := NewDB(filepath.Join(t.TempDir(), "exchange.db"), &logger)
	require.NoError(t, err)
	db.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedConfig(t *testing.T, db *DB, name string) *models.ExchangeConfig {
	t.Helper()
	cfg := &models.ExchangeConfig{Name: name, BaseURL: "https://" + name + ".example.com", Active: true}
	require.NoError(t, db.CreateConfig(context.Background(), cfg))
	return cfg
}

func seedEndpoint(t *testing.T, db *DB, action string) *models.Endpoint {
	t.Helper()
	ep := &models.Endpoint{Action: action, Method: "POST", Path: "/" + action}
	require.NoError(t, db.CreateEndpoint(context.Background(), ep))
	return ep
}

func enqueueTestItem(t *testing.T, db *DB, cfgID, epID int64, runAt time.Time, mutate ...func(*models.QueueItem)) *models.QueueItem {
	t.Helper()
	item := &models.QueueItem{
		TaskName:    models.TaskPushBookings,
		ConfigID:    cfgID,
		EndpointID:  epID,
		SubjectType: models.SubjectLink,
		SubjectID:   1,
		RunAt:       runAt,
		MaxAttempts: 3,
	}
	for _, m := range mutate {
		m(item)
	}
	require.NoError(t, db.EnqueueItem(context.Background(), item))
	return item
}

func itemIDs(items []*models.QueueItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
