package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type countingCache struct {
	stateLock          sync.Mutex
	entries            map[string]any
	parameterCalls     []InvalidationParameters
	keyCalls           []string
	invalidateAllCount int
	err                error
}

func newCountingCache() *countingCache {
	return &countingCache{
		entries: map[string]any{},
	}
}

func (self *countingCache) Get(key string) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.entries[key]
	return value, ok
}

func (self *countingCache) Set(key string, value any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.entries[key] = value
}

func (self *countingCache) InvalidateKey(key string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.keyCalls = append(self.keyCalls, key)
	delete(self.entries, key)
	return self.err
}

func (self *countingCache) InvalidateParameters(params *InvalidationParameters) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.parameterCalls = append(self.parameterCalls, *params)
	return self.err
}

func (self *countingCache) InvalidateAll() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.invalidateAllCount += 1
	return self.err
}

func (self *countingCache) snapshot() ([]InvalidationParameters, []string, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.parameterCalls, self.keyCalls, self.invalidateAllCount
}

func testCoalescerSettings() *InvalidationCoalescerSettings {
	return &InvalidationCoalescerSettings{
		DebounceTimeout: 20 * time.Millisecond,
	}
}

func TestCoalesceDeduplicate(t *testing.T) {
	ctx := context.Background()
	cache := newCountingCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()

	params := &InvalidationParameters{
		TenantName: "acme",
		TeamName:   "data-eng",
	}
	for i := 0; i < 50; i += 1 {
		coalescer.Invalidate(params)
		coalescer.InvalidateKey("teamDetails/acme/data-eng")
	}

	time.Sleep(200 * time.Millisecond)

	// one flush, one call per distinct target
	parameterCalls, keyCalls, invalidateAllCount := cache.snapshot()
	assert.Equal(t, []InvalidationParameters{*params}, parameterCalls)
	assert.Equal(t, []string{"teamDetails/acme/data-eng"}, keyCalls)
	assert.Equal(t, 0, invalidateAllCount)
}

func TestCoalesceGlobalSupersedes(t *testing.T) {
	ctx := context.Background()
	cache := newCountingCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()

	for i := 0; i < 10; i += 1 {
		coalescer.Invalidate(&InvalidationParameters{
			TenantName: "acme",
			TeamName:   "data-eng",
		})
		coalescer.InvalidateKey("teamDetails/acme/data-eng")
	}
	coalescer.InvalidateAll()
	coalescer.Invalidate(&InvalidationParameters{
		TenantName: "globex",
	})

	time.Sleep(200 * time.Millisecond)

	// the global request absorbs every targeted one in the window
	parameterCalls, keyCalls, invalidateAllCount := cache.snapshot()
	assert.Equal(t, 0, len(parameterCalls))
	assert.Equal(t, 0, len(keyCalls))
	assert.Equal(t, 1, invalidateAllCount)
}

func TestCoalesceSeparateWindows(t *testing.T) {
	ctx := context.Background()
	cache := newCountingCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()

	coalescer.InvalidateKey("a")
	time.Sleep(100 * time.Millisecond)
	coalescer.InvalidateKey("a")
	time.Sleep(100 * time.Millisecond)

	// distinct windows flush separately
	_, keyCalls, _ := cache.snapshot()
	assert.Equal(t, []string{"a", "a"}, keyCalls)
}

type blockingCache struct {
	countingCache
	entered chan struct{}
	release chan struct{}
}

func newBlockingCache() *blockingCache {
	cache := &blockingCache{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	cache.entries = map[string]any{}
	return cache
}

func (self *blockingCache) InvalidateParameters(params *InvalidationParameters) error {
	self.entered <- struct{}{}
	<-self.release
	return self.countingCache.InvalidateParameters(params)
}

func TestCoalesceCapturesDuringFlush(t *testing.T) {
	ctx := context.Background()
	cache := newBlockingCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()

	a := InvalidationParameters{TenantName: "acme"}
	b := InvalidationParameters{TenantName: "globex"}

	coalescer.Invalidate(&a)

	// the first flush is now inside the cache call
	<-cache.entered

	// this request must land in the next cycle, not get lost
	coalescer.Invalidate(&b)

	cache.release <- struct{}{}

	// the follow-up cycle picks it up
	<-cache.entered
	cache.release <- struct{}{}

	time.Sleep(100 * time.Millisecond)

	parameterCalls, _, _ := cache.snapshot()
	assert.Equal(t, []InvalidationParameters{a, b}, parameterCalls)
}

func TestCoalesceSwallowsErrors(t *testing.T) {
	ctx := context.Background()
	cache := newCountingCache()
	cache.err = context.DeadlineExceeded
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()

	coalescer.Invalidate(&InvalidationParameters{TenantName: "acme"})
	coalescer.InvalidateKey("a")

	time.Sleep(100 * time.Millisecond)

	// errors are logged and swallowed, the coalescer keeps running
	parameterCalls, keyCalls, _ := cache.snapshot()
	assert.Equal(t, 1, len(parameterCalls))
	assert.Equal(t, 1, len(keyCalls))

	coalescer.InvalidateKey("b")
	time.Sleep(100 * time.Millisecond)

	_, keyCalls, _ = cache.snapshot()
	assert.Equal(t, []string{"a", "b"}, keyCalls)
}

func TestCoalesceClose(t *testing.T) {
	ctx := context.Background()
	cache := newCountingCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())

	coalescer.InvalidateKey("a")
	coalescer.Close()

	time.Sleep(100 * time.Millisecond)

	// nothing flushes after close
	_, keyCalls, _ := cache.snapshot()
	assert.Equal(t, 0, len(keyCalls))
}
