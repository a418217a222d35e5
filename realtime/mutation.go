package realtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/golang/glog"
)

// shown to the user when the failure carries nothing safer
const mutationFailedMessage = "The change could not be saved. Please try again."

type MutationUpdateFunction = func(value any) any
type MutationExecuteFunction = func(ctx context.Context) (any, error)
type MutationResultFunction = func(result any, err error)

type MutationRequest struct {
	// the cache entry to update optimistically. empty skips the optimistic phase.
	CacheKey string
	// applied to the current cached value (nil when absent). the returned
	// value replaces the entry. nil skips the optimistic phase.
	OptimisticUpdate MutationUpdateFunction
	Execute          MutationExecuteFunction

	// reconciling invalidation, enqueued whether the mutation succeeds or fails.
	// when no target is named the gateway reconciles globally.
	InvalidateParameters []*InvalidationParameters
	InvalidateKeys       []string
	InvalidateAll        bool
}

// wraps a mutation failure. `Error` carries the cause for logs,
// `UserMessage` is always safe to render.
type MutationError struct {
	cause       error
	userMessage string
}

func NewMutationError(cause error, userMessage string) *MutationError {
	if userMessage == "" {
		userMessage = mutationFailedMessage
	}
	return &MutationError{
		cause:       cause,
		userMessage: userMessage,
	}
}

func (self *MutationError) Error() string {
	return fmt.Sprintf("mutation failed: %s", self.cause)
}

func (self *MutationError) UserMessage() string {
	return self.userMessage
}

func (self *MutationError) Unwrap() error {
	return self.cause
}

type MutationGatewaySettings struct {
	ExecuteTimeout time.Duration
}

func DefaultMutationGatewaySettings() *MutationGatewaySettings {
	return &MutationGatewaySettings{
		ExecuteTimeout: 10 * time.Second,
	}
}

// applies a mutation optimistically to the cache, executes it against the
// server, and rolls back on failure. every mutation ends with a reconciling
// invalidation so the next reads converge on the server's view either way.
type MutationGateway struct {
	cache     Cache
	coalescer *InvalidationCoalescer
	settings  *MutationGatewaySettings
}

func NewMutationGatewayWithDefaults(cache Cache, coalescer *InvalidationCoalescer) *MutationGateway {
	return NewMutationGateway(cache, coalescer, DefaultMutationGatewaySettings())
}

func NewMutationGateway(
	cache Cache,
	coalescer *InvalidationCoalescer,
	settings *MutationGatewaySettings,
) *MutationGateway {
	return &MutationGateway{
		cache:     cache,
		coalescer: coalescer,
		settings:  settings,
	}
}

func (self *MutationGateway) Mutate(ctx context.Context, request *MutationRequest) (any, error) {
	if request.Execute == nil {
		return nil, errors.New("missing execute")
	}

	var snapshot any
	var hadSnapshot bool
	applied := false
	if request.CacheKey != "" && request.OptimisticUpdate != nil {
		snapshot, hadSnapshot = self.cache.Get(request.CacheKey)
		HandleError(func() {
			self.cache.Set(request.CacheKey, request.OptimisticUpdate(snapshot))
			applied = true
		})
		if applied {
			glog.V(2).Infof("[mut]optimistic %s\n", request.CacheKey)
		}
	}

	defer self.enqueueReconcile(request)

	executeCtx, executeCancel := context.WithTimeout(ctx, self.settings.ExecuteTimeout)
	defer executeCancel()

	result, err := self.execute(executeCtx, request.Execute)
	if err != nil {
		if applied {
			if hadSnapshot {
				self.cache.Set(request.CacheKey, snapshot)
			} else {
				// the entry did not exist before, absent is the rollback
				if rollbackErr := self.cache.InvalidateKey(request.CacheKey); rollbackErr != nil {
					glog.Infof("[mut]rollback error = %s\n", rollbackErr)
				}
			}
			glog.V(2).Infof("[mut]rollback %s\n", request.CacheKey)
		}
		glog.Infof("[mut]error = %s\n", err)
		// an execute that already carries a user presentable message keeps it
		var mutationErr *MutationError
		if errors.As(err, &mutationErr) {
			return nil, mutationErr
		}
		return nil, NewMutationError(err, "")
	}

	return result, nil
}

// runs the mutation off the calling goroutine.
// the callback receives the result or the error from `Mutate`.
func (self *MutationGateway) MutateAsync(ctx context.Context, request *MutationRequest, callback MutationResultFunction) {
	go HandleError(func() {
		result, err := self.Mutate(ctx, request)
		if callback != nil {
			callback(result, err)
		}
	})
}

func (self *MutationGateway) execute(ctx context.Context, execute MutationExecuteFunction) (result any, returnErr error) {
	defer func() {
		if err := recover(); err != nil {
			if r, ok := err.(error); ok {
				returnErr = r
			} else {
				returnErr = errors.New(ErrorJson(err, debug.Stack()))
			}
		}
	}()
	return execute(ctx)
}

func (self *MutationGateway) enqueueReconcile(request *MutationRequest) {
	if request.InvalidateAll {
		self.coalescer.InvalidateAll()
		return
	}
	for _, parameters := range request.InvalidateParameters {
		self.coalescer.Invalidate(parameters)
	}
	for _, key := range request.InvalidateKeys {
		self.coalescer.InvalidateKey(key)
	}
	if len(request.InvalidateParameters) == 0 && len(request.InvalidateKeys) == 0 {
		// no targets named, reconcile broadly rather than not at all
		self.coalescer.InvalidateAll()
	}
}
