package realtime

import (
	"slices"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
)

// a structured description of the cache region to invalidate.
// comparable, so duplicate requests collapse when used as a map key.
type InvalidationParameters struct {
	TenantName string `json:"tenantName,omitempty"`
	TeamName   string `json:"teamName,omitempty"`
	EntityId   string `json:"entityId,omitempty"`
	CacheType  string `json:"cacheType,omitempty"`
	StartDate  string `json:"startDate,omitempty"`
	EndDate    string `json:"endDate,omitempty"`
}

func (self *InvalidationParameters) values() []string {
	values := []string{}
	for _, value := range []string{
		self.TenantName,
		self.TeamName,
		self.EntityId,
		self.CacheType,
		self.StartDate,
		self.EndDate,
	} {
		if value != "" {
			values = append(values, value)
		}
	}
	return values
}

// the query store that consumers read through. the sync layer writes to it
// only through optimistic updates and invalidation.
// cached values are replaced, never mutated in place. an update produces a
// new value, which is what makes mutation rollback snapshots exact.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	InvalidateKey(key string) error
	InvalidateParameters(params *InvalidationParameters) error
	InvalidateAll() error
}

// in memory `Cache` with slash segmented keys,
// e.g. `teamDetails/{tenantName}/{teamName}`.
// parameter invalidation removes every entry whose key segments include all
// of the non empty parameter values.
type QueryCache struct {
	stateLock sync.Mutex
	entries   map[string]any
}

func NewQueryCache() *QueryCache {
	return &QueryCache{
		entries: map[string]any{},
	}
}

func (self *QueryCache) Get(key string) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.entries[key]
	return value, ok
}

func (self *QueryCache) Set(key string, value any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.entries[key] = value
}

func (self *QueryCache) InvalidateKey(key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.entries, key)
	return nil
}

func (self *QueryCache) InvalidateParameters(params *InvalidationParameters) error {
	if params == nil {
		return nil
	}
	values := params.values()
	if len(values) == 0 {
		return nil
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, key := range maps.Keys(self.entries) {
		segments := strings.Split(key, "/")
		match := true
		for _, value := range values {
			if !slices.Contains(segments, value) {
				match = false
				break
			}
		}
		if match {
			delete(self.entries, key)
		}
	}
	return nil
}

func (self *QueryCache) InvalidateAll() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	maps.Clear(self.entries)
	return nil
}

func (self *QueryCache) Keys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := maps.Keys(self.entries)
	slices.Sort(keys)
	return keys
}

func (self *QueryCache) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.entries)
}
