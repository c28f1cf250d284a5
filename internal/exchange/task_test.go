package exchange

import (
	"context"
	"testing"

	"channelsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(id string, cfg, ep int64) *models.QueueItem {
	return &models.QueueItem{ID: id, ConfigID: cfg, EndpointID: ep}
}

func TestNewBatch(t *testing.T) {
	batch, err := NewBatch("t", nil)
	require.NoError(t, err)
	assert.Nil(t, batch)

	batch, err = NewBatch("t", []*models.QueueItem{queued("a", 1, 1), queued("b", 1, 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, batch.IDs())
	assert.Equal(t, "b", batch.Item("b").ID)
	assert.Nil(t, batch.Item("z"))

	_, err = NewBatch("t", []*models.QueueItem{queued("a", 1, 1), queued("b", 2, 1)})
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestPartition(t *testing.T) {
	items := []*models.QueueItem{
		queued("a", 1, 1), queued("b", 2, 1), queued("c", 1, 1), queued("d", 1, 1), queued("e", 2, 1),
	}

	batches := Partition("t", items, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "c"}, batches[0].IDs())
	assert.Equal(t, []string{"d"}, batches[1].IDs())
	assert.Equal(t, []string{"b", "e"}, batches[2].IDs())
	assert.Empty(t, Partition("t", nil, 2))
}

type nopProvider struct{}

func (nopProvider) ClaimBatch(context.Context, int, string) (*Batch, error) { return nil, nil }
func (nopProvider) ClaimSpecific(context.Context, []string, int, string) ([]*Batch, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(&Task{Name: "x"}))
	require.NoError(t, r.Register(&Task{Name: "b", Provider: nopProvider{}, Strategy: positionalStrategy{}, Handler: &QueueHandler{}}))
	require.NoError(t, r.Register(&Task{Name: "a", Provider: nopProvider{}, Strategy: positionalStrategy{}, Handler: &QueueHandler{}, BatchSize: 3}))

	assert.Equal(t, []string{"a", "b"}, r.Names())

	task, err := r.Get("b")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultBatchSize, task.BatchSize)

	_, err = r.Get("c")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestNewJSONRequest(t *testing.T) {
	batch := &Batch{
		Config:   &models.ExchangeConfig{BaseURL: "https://api.example.com/", APIKey: "k", APIKeyHeader: "Authorization"},
		Endpoint: &models.Endpoint{Method: "PUT", Path: "/rates"},
	}

	req, err := NewJSONRequest(batch, "since=2025-06-01", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/rates?since=2025-06-01", req.URL)
	assert.Equal(t, "PUT", req.Method)
	assert.Equal(t, "k", req.Header.Get("Authorization"))
	assert.JSONEq(t, `{"n":1}`, string(req.Body))

	batch.Endpoint = nil
	_, err = NewJSONRequest(batch, "", nil)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestPullCacheReset(t *testing.T) {
	c := NewPullCache()
	c.PutLink(1, "555", &models.Link{ID: 9})
	c.PutMapping(1, "R-1", &models.RoomMapping{ID: 3})

	l, ok := c.Link(1, "555")
	require.True(t, ok)
	assert.Equal(t, int64(9), l.ID)
	_, ok = c.Link(2, "555")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())

	c.Reset()
	assert.Zero(t, c.Len())
	_, ok = c.Mapping(1, "R-1")
	assert.False(t, ok)
}
