package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMutateSuccess(t *testing.T) {
	ctx := context.Background()
	cache := NewQueryCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()
	gateway := NewMutationGatewayWithDefaults(cache, coalescer)

	cache.Set("teamDetails/acme/data-eng", "v1")

	request := &MutationRequest{
		CacheKey: "teamDetails/acme/data-eng",
		OptimisticUpdate: func(value any) any {
			assert.Equal(t, "v1", value)
			return "v1-optimistic"
		},
		Execute: func(executeCtx context.Context) (any, error) {
			// the optimistic value is visible while the call is in flight
			value, _ := cache.Get("teamDetails/acme/data-eng")
			assert.Equal(t, "v1-optimistic", value)
			return "server-result", nil
		},
		InvalidateParameters: []*InvalidationParameters{
			{
				TenantName: "acme",
				TeamName:   "data-eng",
			},
		},
	}

	result, err := gateway.Mutate(ctx, request)
	assert.Equal(t, err, nil)
	assert.Equal(t, "server-result", result)

	// the optimistic value stands until reconciliation
	value, ok := cache.Get("teamDetails/acme/data-eng")
	assert.Equal(t, true, ok)
	assert.Equal(t, "v1-optimistic", value)

	// the reconciling invalidation lands after the debounce window
	time.Sleep(200 * time.Millisecond)
	_, ok = cache.Get("teamDetails/acme/data-eng")
	assert.Equal(t, false, ok)
}

func TestMutateRollback(t *testing.T) {
	ctx := context.Background()
	cache := NewQueryCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()
	gateway := NewMutationGatewayWithDefaults(cache, coalescer)

	snapshot := &TeamDetailsResult{
		TenantName: "acme",
		TeamName:   "data-eng",
		Entities: []*TeamEntity{
			{
				EntityId:   NewId(),
				EntityName: "orders",
				Priority:   "medium",
			},
		},
	}
	cache.Set("teamDetails/acme/data-eng", snapshot)

	cause := errors.New("server rejected the change")
	request := &MutationRequest{
		CacheKey: "teamDetails/acme/data-eng",
		OptimisticUpdate: func(value any) any {
			teamDetails := value.(*TeamDetailsResult)
			next := *teamDetails
			next.Entities = []*TeamEntity{
				{
					EntityId:   teamDetails.Entities[0].EntityId,
					EntityName: "orders",
					Priority:   "high",
				},
			}
			return &next
		},
		Execute: func(executeCtx context.Context) (any, error) {
			return nil, cause
		},
		InvalidateKeys: []string{"entities/acme/data-eng"},
	}

	_, err := gateway.Mutate(ctx, request)
	assert.NotEqual(t, err, nil)

	var mutationErr *MutationError
	assert.Equal(t, true, errors.As(err, &mutationErr))
	assert.Equal(t, true, errors.Is(err, cause))
	assert.Equal(t, mutationFailedMessage, mutationErr.UserMessage())

	// the exact snapshot is restored
	value, ok := cache.Get("teamDetails/acme/data-eng")
	assert.Equal(t, true, ok)
	assert.Equal(t, snapshot, value)
	assert.Equal(t, "medium", value.(*TeamDetailsResult).Entities[0].Priority)
}

func TestMutateServerMessagePassthrough(t *testing.T) {
	ctx := context.Background()
	cache := NewQueryCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()
	gateway := NewMutationGatewayWithDefaults(cache, coalescer)

	cause := errors.New("policy violation")
	request := &MutationRequest{
		Execute: func(executeCtx context.Context) (any, error) {
			return nil, NewMutationError(cause, "Priority changes need an owner role.")
		},
	}

	_, err := gateway.Mutate(ctx, request)
	assert.NotEqual(t, err, nil)

	// a user presentable message from the call survives, the default does
	// not replace it
	var mutationErr *MutationError
	assert.Equal(t, true, errors.As(err, &mutationErr))
	assert.Equal(t, "Priority changes need an owner role.", mutationErr.UserMessage())
	assert.Equal(t, true, errors.Is(err, cause))
}

func TestMutateRollbackToAbsent(t *testing.T) {
	ctx := context.Background()
	cache := NewQueryCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()
	gateway := NewMutationGatewayWithDefaults(cache, coalescer)

	request := &MutationRequest{
		CacheKey: "teamDetails/acme/data-eng",
		OptimisticUpdate: func(value any) any {
			assert.Equal(t, nil, value)
			return "optimistic"
		},
		Execute: func(executeCtx context.Context) (any, error) {
			return nil, errors.New("nope")
		},
		InvalidateKeys: []string{"teamDetails/acme/data-eng"},
	}

	_, err := gateway.Mutate(ctx, request)
	assert.NotEqual(t, err, nil)

	// the entry did not exist before, so the rollback removes it
	_, ok := cache.Get("teamDetails/acme/data-eng")
	assert.Equal(t, false, ok)
}

func TestMutateFailureStillReconciles(t *testing.T) {
	ctx := context.Background()
	cache := newCountingCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()
	gateway := NewMutationGatewayWithDefaults(cache, coalescer)

	request := &MutationRequest{
		Execute: func(executeCtx context.Context) (any, error) {
			return nil, errors.New("nope")
		},
		InvalidateParameters: []*InvalidationParameters{
			{
				TenantName: "acme",
			},
		},
	}

	_, err := gateway.Mutate(ctx, request)
	assert.NotEqual(t, err, nil)

	time.Sleep(200 * time.Millisecond)

	parameterCalls, _, _ := cache.snapshot()
	assert.Equal(t, []InvalidationParameters{{TenantName: "acme"}}, parameterCalls)
}

func TestMutateDefaultsToGlobalReconcile(t *testing.T) {
	ctx := context.Background()
	cache := newCountingCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()
	gateway := NewMutationGatewayWithDefaults(cache, coalescer)

	request := &MutationRequest{
		Execute: func(executeCtx context.Context) (any, error) {
			return "ok", nil
		},
	}

	result, err := gateway.Mutate(ctx, request)
	assert.Equal(t, err, nil)
	assert.Equal(t, "ok", result)

	time.Sleep(200 * time.Millisecond)

	// a mutation with no named targets reconciles globally
	_, _, invalidateAllCount := cache.snapshot()
	assert.Equal(t, 1, invalidateAllCount)
}

func TestMutateExecutePanic(t *testing.T) {
	ctx := context.Background()
	cache := NewQueryCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()
	gateway := NewMutationGatewayWithDefaults(cache, coalescer)

	cache.Set("teamDetails/acme/data-eng", "v1")

	request := &MutationRequest{
		CacheKey: "teamDetails/acme/data-eng",
		OptimisticUpdate: func(value any) any {
			return "optimistic"
		},
		Execute: func(executeCtx context.Context) (any, error) {
			panic(errors.New("execute exploded"))
		},
		InvalidateKeys: []string{"teamDetails/acme/data-eng"},
	}

	_, err := gateway.Mutate(ctx, request)
	assert.NotEqual(t, err, nil)

	var mutationErr *MutationError
	assert.Equal(t, true, errors.As(err, &mutationErr))

	// the rollback still ran
	value, _ := cache.Get("teamDetails/acme/data-eng")
	assert.Equal(t, "v1", value)
}

func TestMutateMissingExecute(t *testing.T) {
	ctx := context.Background()
	cache := NewQueryCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()
	gateway := NewMutationGatewayWithDefaults(cache, coalescer)

	_, err := gateway.Mutate(ctx, &MutationRequest{})
	assert.NotEqual(t, err, nil)
}

func TestMutateAsync(t *testing.T) {
	ctx := context.Background()
	cache := NewQueryCache()
	coalescer := NewInvalidationCoalescer(ctx, cache, testCoalescerSettings())
	defer coalescer.Close()
	gateway := NewMutationGatewayWithDefaults(cache, coalescer)

	results := make(chan any, 1)
	gateway.MutateAsync(ctx, &MutationRequest{
		Execute: func(executeCtx context.Context) (any, error) {
			return "async-result", nil
		},
		InvalidateAll: true,
	}, func(result any, err error) {
		assert.Equal(t, err, nil)
		results <- result
	})

	select {
	case result := <-results:
		assert.Equal(t, "async-result", result)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for async mutation")
	}
}

func TestMutationError(t *testing.T) {
	cause := errors.New("boom")

	mutationErr := NewMutationError(cause, "")
	assert.Equal(t, mutationFailedMessage, mutationErr.UserMessage())
	assert.Equal(t, cause, mutationErr.Unwrap())

	custom := NewMutationError(cause, "Priority changes need an owner role.")
	assert.Equal(t, "Priority changes need an owner role.", custom.UserMessage())
}
