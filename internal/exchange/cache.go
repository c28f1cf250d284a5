package exchange

import (
	"strconv"

	"channelsync/internal/models"
)

// PullCache remembers lookups made while applying one pulled batch.
// It must be Reset between batches.
type PullCache struct {
	links    map[string]*models.Link
	mappings map[string]*models.RoomMapping
}

func NewPullCache() *PullCache {
	c := &PullCache{}
	c.Reset()
	return c
}

func cacheKey(configID int64, key string) string {
	return strconv.FormatInt(configID, 10) + ":" + key
}

// Link returns the link of a config holding an external booking id.
func (c *PullCache) Link(configID int64, externalID string) (*models.Link, bool) {
	l, ok := c.links[cacheKey(configID, externalID)]
	return l, ok
}

func (c *PullCache) PutLink(configID int64, externalID string, l *models.Link) {
	c.links[cacheKey(configID, externalID)] = l
}

// Mapping returns the mapping of a config for an external room id.
func (c *PullCache) Mapping(configID int64, externalRoomID string) (*models.RoomMapping, bool) {
	m, ok := c.mappings[cacheKey(configID, externalRoomID)]
	return m, ok
}

func (c *PullCache) PutMapping(configID int64, externalRoomID string, m *models.RoomMapping) {
	c.mappings[cacheKey(configID, externalRoomID)] = m
}

// Len is the number of cached entries.
func (c *PullCache) Len() int {
	return len(c.links) + len(c.mappings)
}

// Reset drops every entry.
func (c *PullCache) Reset() {
	c.links = make(map[string]*models.Link)
	c.mappings = make(map[string]*models.RoomMapping)
}
