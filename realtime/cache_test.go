package realtime

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestQueryCacheGetSet(t *testing.T) {
	cache := NewQueryCache()

	_, ok := cache.Get("teamDetails/acme/data-eng")
	assert.Equal(t, false, ok)

	cache.Set("teamDetails/acme/data-eng", "v1")
	value, ok := cache.Get("teamDetails/acme/data-eng")
	assert.Equal(t, true, ok)
	assert.Equal(t, "v1", value)

	// set replaces
	cache.Set("teamDetails/acme/data-eng", "v2")
	value, _ = cache.Get("teamDetails/acme/data-eng")
	assert.Equal(t, "v2", value)

	err := cache.InvalidateKey("teamDetails/acme/data-eng")
	assert.Equal(t, err, nil)
	_, ok = cache.Get("teamDetails/acme/data-eng")
	assert.Equal(t, false, ok)

	// invalidating an absent key is a no-op
	err = cache.InvalidateKey("teamDetails/acme/data-eng")
	assert.Equal(t, err, nil)
}

func TestQueryCacheInvalidateParameters(t *testing.T) {
	cache := NewQueryCache()

	cache.Set("teamDetails/acme/data-eng", 1)
	cache.Set("teamDetails/acme/platform", 2)
	cache.Set("teamDetails/globex/data-eng", 3)
	cache.Set("entities/acme/data-eng/orders", 4)
	assert.Equal(t, 4, cache.Len())

	// matches entries whose key segments include all of the parameter values
	err := cache.InvalidateParameters(&InvalidationParameters{
		TenantName: "acme",
		TeamName:   "data-eng",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, cache.Len())

	_, ok := cache.Get("teamDetails/acme/data-eng")
	assert.Equal(t, false, ok)
	_, ok = cache.Get("entities/acme/data-eng/orders")
	assert.Equal(t, false, ok)
	_, ok = cache.Get("teamDetails/acme/platform")
	assert.Equal(t, true, ok)
	_, ok = cache.Get("teamDetails/globex/data-eng")
	assert.Equal(t, true, ok)

	// empty parameters match nothing
	err = cache.InvalidateParameters(&InvalidationParameters{})
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, cache.Len())

	err = cache.InvalidateParameters(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, cache.Len())

	err = cache.InvalidateAll()
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, cache.Len())
}

func TestQueryCacheKeys(t *testing.T) {
	cache := NewQueryCache()

	cache.Set("b", 1)
	cache.Set("a", 2)
	cache.Set("c", 3)

	assert.Equal(t, []string{"a", "b", "c"}, cache.Keys())
}
