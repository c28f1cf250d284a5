// Package exchange runs queued work against external channel platforms.
//
// Each task name is bound to a Provider that claims homogeneous batches, a
// MappingStrategy that turns a batch into one outbound request and parses the
// reply, and a Handler that applies per-item outcomes. The Orchestrator drives
// one claim, map, send, parse and handle cycle per batch.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"channelsync/internal/models"
)

// Batch is a set of claimed items sharing one config and one endpoint.
type Batch struct {
	TaskName string
	Config   *models.ExchangeConfig
	Endpoint *models.Endpoint
	Items    []*models.QueueItem
}

// NewBatch checks that items share (config, endpoint) and wraps them.
func NewBatch(task string, items []*models.QueueItem) (*Batch, error) {
	if len(items) == 0 {
		return nil, nil
	}
	key := items[0].Group()
	for _, item := range items[1:] {
		if item.Group() != key {
			return nil, Integrity("batch mixes group %v with %v", key, item.Group())
		}
	}
	return &Batch{
		TaskName: task,
		Config:   items[0].Config,
		Endpoint: items[0].Endpoint,
		Items:    items,
	}, nil
}

// IDs returns the item ids in batch order.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Items))
	for i, item := range b.Items {
		ids[i] = item.ID
	}
	return ids
}

// Item returns the batch item with the given id.
func (b *Batch) Item(id string) *models.QueueItem {
	for _, item := range b.Items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// Partition groups items by (config, endpoint) and chunks each group to limit.
// Groups keep the order of their first item.
func Partition(task string, items []*models.QueueItem, limit int) []*Batch {
	if limit <= 0 {
		limit = models.DefaultBatchSize
	}
	var order []models.GroupKey
	groups := make(map[models.GroupKey][]*models.QueueItem)
	for _, item := range items {
		key := item.Group()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}

	var batches []*Batch
	for _, key := range order {
		group := groups[key]
		for start := 0; start < len(group); start += limit {
			end := start + limit
			if end > len(group) {
				end = len(group)
			}
			batch, _ := NewBatch(task, group[start:end])
			batches = append(batches, batch)
		}
	}
	return batches
}

// Request is the single outbound call representing a batch.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Correlation lists item ids in the order entries appear in the body.
	Correlation []string
	// Keys maps an external key echoed by the platform to an item id.
	Keys map[string]string
	// Skipped holds items the strategy could not map, with the reason.
	Skipped map[string]error
}

// Skip excludes an item from the call.
func (r *Request) Skip(itemID string, err error) {
	if r.Skipped == nil {
		r.Skipped = make(map[string]error)
	}
	r.Skipped[itemID] = err
}

// Empty reports whether no item is left to send.
func (r *Request) Empty() bool {
	return len(r.Correlation) == 0
}

// NewJSONRequest builds a request against the batch config and endpoint.
// query is appended to the endpoint path when non-empty.
func NewJSONRequest(batch *Batch, query string, body any) (*Request, error) {
	if batch.Config == nil {
		return nil, Integrity("config missing for batch")
	}
	if batch.Endpoint == nil {
		return nil, Integrity("endpoint missing for batch")
	}

	req := &Request{
		Method: batch.Endpoint.Method,
		URL:    strings.TrimRight(batch.Config.BaseURL, "/") + batch.Endpoint.Path,
		Header: make(http.Header),
		Keys:   make(map[string]string),
	}
	if query != "" {
		req.URL += "?" + query
	}
	req.Header.Set("Accept", "application/json")
	if batch.Config.APIKey != "" {
		header := batch.Config.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, batch.Config.APIKey)
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		req.Body = data
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// RawResponse is the undecoded reply of the platform.
type RawResponse struct {
	StatusCode int
	Body       []byte
}

// ItemResult is the outcome of one item within a response.
type ItemResult struct {
	OK         bool
	ExternalID string
	Message    string
	HTTPCode   int
	Data       json.RawMessage
}

// Provider claims homogeneous batches for one task.
type Provider interface {
	ClaimBatch(ctx context.Context, limit int, workerID string) (*Batch, error)
	ClaimSpecific(ctx context.Context, ids []string, limit int, workerID string) ([]*Batch, error)
}

// MappingStrategy converts a batch to a request and a reply to per-item results.
type MappingStrategy interface {
	Map(ctx context.Context, batch *Batch) (*Request, error)
	ParseResponse(raw *RawResponse, req *Request) (map[string]ItemResult, error)
}

// Handler applies the outcome of one item.
type Handler interface {
	HandleSuccess(ctx context.Context, item *models.QueueItem, result ItemResult) error
	HandleFailure(ctx context.Context, item *models.QueueItem, cause error) error
}

// Resetter is implemented by handlers holding per-batch state.
type Resetter interface {
	Reset()
}

// Task binds the three roles under one name.
type Task struct {
	Name      string
	Provider  Provider
	Strategy  MappingStrategy
	Handler   Handler
	BatchSize int
}

// Registry maps task names to tasks.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Register adds or replaces a task.
func (r *Registry) Register(task *Task) error {
	if task == nil || task.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if task.Provider == nil || task.Strategy == nil || task.Handler == nil {
		return fmt.Errorf("task %s: provider, strategy and handler are required", task.Name)
	}
	if task.BatchSize <= 0 {
		task.BatchSize = models.DefaultBatchSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.Name] = task
	return nil
}

// Get looks a task up by name.
func (r *Registry) Get(name string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return task, nil
}

// Names returns registered task names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
