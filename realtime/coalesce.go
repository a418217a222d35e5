package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	coalescePhaseIdle      = "idle"
	coalescePhaseScheduled = "scheduled"
	coalescePhaseFlushing  = "flushing"
)

type InvalidationCoalescerSettings struct {
	// how long requests buffer before one deduplicated flush
	DebounceTimeout time.Duration
}

func DefaultInvalidationCoalescerSettings() *InvalidationCoalescerSettings {
	return &InvalidationCoalescerSettings{
		DebounceTimeout: 250 * time.Millisecond,
	}
}

// batches invalidation requests from inbound events and local mutations into
// one deduplicated flush per debounce window, so a burst of events costs a
// bounded number of cache calls. flush cycles never overlap. requests that
// arrive while a flush is running are captured by the next cycle.
type InvalidationCoalescer struct {
	ctx    context.Context
	cancel context.CancelFunc

	cache Cache

	settings *InvalidationCoalescerSettings

	log LogFunction

	stateLock     sync.Mutex
	phase         string
	flushTimer    *time.Timer
	pendingParams map[InvalidationParameters]bool
	pendingKeys   map[string]bool
	pendingGlobal bool
}

func NewInvalidationCoalescerWithDefaults(ctx context.Context, cache Cache) *InvalidationCoalescer {
	return NewInvalidationCoalescer(ctx, cache, DefaultInvalidationCoalescerSettings())
}

func NewInvalidationCoalescer(
	ctx context.Context,
	cache Cache,
	settings *InvalidationCoalescerSettings,
) *InvalidationCoalescer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &InvalidationCoalescer{
		ctx:           cancelCtx,
		cancel:        cancel,
		cache:         cache,
		settings:      settings,
		log:           LogFn(LogLevelDebug, "[inv]"),
		phase:         coalescePhaseIdle,
		pendingParams: map[InvalidationParameters]bool{},
		pendingKeys:   map[string]bool{},
	}
}

func (self *InvalidationCoalescer) Invalidate(params *InvalidationParameters) {
	if params == nil {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pendingParams[*params] = true
	self.schedule()
}

func (self *InvalidationCoalescer) InvalidateKey(key string) {
	if key == "" {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pendingKeys[key] = true
	self.schedule()
}

func (self *InvalidationCoalescer) InvalidateAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pendingGlobal = true
	self.schedule()
}

// assumes the state lock is held
func (self *InvalidationCoalescer) schedule() {
	if self.phase == coalescePhaseIdle {
		self.phase = coalescePhaseScheduled
		self.flushTimer = time.AfterFunc(self.settings.DebounceTimeout, self.flush)
	}
	// scheduled: the pending timer will pick this request up
	// flushing: the end of the running flush schedules the next cycle
}

func (self *InvalidationCoalescer) flush() {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	self.stateLock.Lock()
	self.phase = coalescePhaseFlushing
	params := self.pendingParams
	keys := self.pendingKeys
	global := self.pendingGlobal
	self.pendingParams = map[InvalidationParameters]bool{}
	self.pendingKeys = map[string]bool{}
	self.pendingGlobal = false
	self.stateLock.Unlock()

	log := SubLogFn(LogLevelDebug, self.log, "flush")

	// invalidation is best effort. errors are logged and swallowed,
	// the next event or navigation triggers fresh reads anyway.
	if global {
		// a full invalidation already covers every targeted request in this cycle
		HandleError(func() {
			if err := self.cache.InvalidateAll(); err != nil {
				glog.Infof("[inv]global error = %s\n", err)
			}
		})
		log("global (superseded %d params, %d keys)", len(params), len(keys))
	} else {
		for invalidationParams := range params {
			invalidationParams := invalidationParams
			HandleError(func() {
				if err := self.cache.InvalidateParameters(&invalidationParams); err != nil {
					glog.Infof("[inv]params error = %s\n", err)
				}
			})
		}
		for key := range keys {
			key := key
			HandleError(func() {
				if err := self.cache.InvalidateKey(key); err != nil {
					glog.Infof("[inv]key error = %s\n", err)
				}
			})
		}
		log("%d params, %d keys", len(params), len(keys))
	}

	self.stateLock.Lock()
	if 0 < len(self.pendingParams) || 0 < len(self.pendingKeys) || self.pendingGlobal {
		self.phase = coalescePhaseScheduled
		self.flushTimer = time.AfterFunc(self.settings.DebounceTimeout, self.flush)
	} else {
		self.phase = coalescePhaseIdle
		self.flushTimer = nil
	}
	self.stateLock.Unlock()
}

func (self *InvalidationCoalescer) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.flushTimer != nil {
		self.flushTimer.Stop()
		self.flushTimer = nil
	}
	self.phase = coalescePhaseIdle
}
