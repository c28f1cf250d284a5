package export

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"channelsync/internal/database"
	"channelsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type queueStub struct {
	got   database.QueueFilter
	items []*models.QueueItem
}

func (s *queueStub) ListQueueItems(_ context.Context, f database.QueueFilter) ([]*models.QueueItem, error) {
	s.got = f
	return s.items, nil
}

type tariffStub []*models.TariffRange

func (s tariffStub) TariffRanges(context.Context, int64, time.Time, time.Time) ([]*models.TariffRange, error) {
	return s, nil
}

func date(m time.Month, d int) time.Time {
	return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC)
}

func newExporter(t *testing.T) *Exporter {
	logger := zerolog.New(io.Discard)
	e := NewExporter(filepath.Join(t.TempDir(), "exports"), &logger)
	e.clock = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) }
	return e
}

func TestQueueItemsExport(t *testing.T) {
	code := 422
	msg := "room closed"
	src := &queueStub{items: []*models.QueueItem{{
		ID:           "0b8c",
		TaskName:     models.TaskPushBookings,
		Status:       models.QueueStatusFailed,
		ConfigID:     3,
		SubjectType:  models.SubjectLink,
		SubjectID:    42,
		RetryCount:   5,
		MaxAttempts:  5,
		RunAt:        date(6, 1),
		LastHTTPCode: &code,
		LastMessage:  &msg,
		UpdatedAt:    date(6, 1),
	}}}

	path, err := newExporter(t).QueueItems(context.Background(), src, database.QueueFilter{Status: models.QueueStatusFailed, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, "queue_failed_20250601_100000.xlsx", filepath.Base(path))
	assert.Equal(t, 500, src.got.Limit)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(queueSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, queueHeaders, rows[0])
	assert.Equal(t, "0b8c", rows[1][0])
	assert.Equal(t, "link:42", rows[1][4])
	assert.Equal(t, "422", rows[1][8])
	assert.Equal(t, "room closed", rows[1][9])
}

func TestTariffsExport(t *testing.T) {
	src := tariffStub{
		{ID: 1, StartDate: date(7, 1), EndDate: date(7, 6), Price: decimal.NewFromInt(100), Currency: "EUR", MinStay: 2},
		{ID: 2, StartDate: date(7, 3), EndDate: date(7, 4), Price: decimal.NewFromInt(150), Currency: "EUR", MinStay: 2, Important: true},
	}

	path, err := newExporter(t).Tariffs(context.Background(), src, 7, date(7, 1), date(7, 6))
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	price, err := f.GetCellValue(daysSheet, "D3")
	require.NoError(t, err)
	assert.Equal(t, "150.00", price)
	header, err := f.GetCellValue(daysSheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, "01.07", header)

	blocks, err := f.GetRows(blocksSheet)
	require.NoError(t, err)
	require.Len(t, blocks, 4)
	assert.Equal(t, []string{"2025-07-01", "2025-07-03", "2", "100.00", "EUR", "2"}, blocks[1])
	assert.Equal(t, []string{"2025-07-03", "2025-07-04", "1", "150.00", "EUR", "2"}, blocks[2])
	assert.Equal(t, []string{"2025-07-04", "2025-07-06", "2", "100.00", "EUR", "2"}, blocks[3])
}
