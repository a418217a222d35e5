package realtime

import (
	"sync"

	"github.com/golang/glog"
)

type EventHandlerFunction func(event *ServerEvent)

// transport level events are handled through these hooks,
// implemented by the connection manager. they are never surfaced to
// business handlers.
type connectionControl interface {
	authenticate()
	handleAuthSuccess(event *ServerEvent)
	handleAuthError(event *ServerEvent)
	handleHeartbeatPing(event *ServerEvent)
}

type EventDispatcherStats struct {
	AcceptedCount     int64
	DroppedStaleCount int64
	MalformedCount    int64
}

// routes inbound frames to registered handlers by event type.
// versioned events pass through the per key monotonic gate first, so
// stale, duplicate, and out of order frames are dropped before any
// handler runs. multiple independent consumers can listen to the same
// event type.
type EventDispatcher struct {
	stateLock  sync.Mutex
	handlers   map[string]*CallbackList[EventHandlerFunction]
	connection connectionControl
	stats      EventDispatcherStats

	versions *versionTable
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: map[string]*CallbackList[EventHandlerFunction]{},
		versions: newVersionTable(),
	}
}

func (self *EventDispatcher) setConnection(connection connectionControl) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connection = connection
}

func (self *EventDispatcher) control() connectionControl {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connection
}

// registers a handler for an event type. echoes of the event type are
// delivered to the same handler. the returned function removes the handler
// without affecting other consumers.
func (self *EventDispatcher) AddEventCallback(eventType string, callback EventHandlerFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.handlers[eventType]
	if !ok {
		callbacks = NewCallbackList[EventHandlerFunction]()
		self.handlers[eventType] = callbacks
	}
	self.stateLock.Unlock()

	callbackId := callbacks.Add(callback)
	glog.V(2).Infof("[disp]+%s %s\n", eventType, CallbackName(callback))
	return func() {
		callbacks.Remove(callbackId)
		glog.V(2).Infof("[disp]-%s\n", eventType)
	}
}

func (self *EventDispatcher) callbacks(eventType string) []EventHandlerFunction {
	self.stateLock.Lock()
	callbacks, ok := self.handlers[eventType]
	self.stateLock.Unlock()

	if !ok {
		return nil
	}
	return callbacks.Get()
}

// parses and dispatches a raw frame. a malformed frame is logged and
// discarded. it never crashes the dispatcher and never drops the connection.
func (self *EventDispatcher) DispatchMessage(message []byte) {
	event, err := ParseServerEvent(message)
	if err != nil {
		self.stateLock.Lock()
		self.stats.MalformedCount += 1
		self.stateLock.Unlock()

		glog.Infof("[disp]malformed frame = %s\n", err)
		return
	}
	self.Dispatch(event)
}

func (self *EventDispatcher) Dispatch(event *ServerEvent) {
	switch event.Event {
	case EventTypeAuthRequired:
		if connection := self.control(); connection != nil {
			connection.authenticate()
		}
	case EventTypeAuthSuccess:
		if connection := self.control(); connection != nil {
			connection.handleAuthSuccess(event)
		}
	case EventTypeAuthError:
		if connection := self.control(); connection != nil {
			connection.handleAuthError(event)
		}
	case EventTypeHeartbeatPing:
		if connection := self.control(); connection != nil {
			connection.handleHeartbeatPing(event)
		}
	case EventTypePong:
		glog.V(2).Infof("[disp]pong\n")
	default:
		self.dispatchEvent(event)
	}
}

func (self *EventDispatcher) dispatchEvent(event *ServerEvent) {
	if entityKey, version, ok := event.VersionInfo(); ok {
		if !self.versions.accept(entityKey, version) {
			self.stateLock.Lock()
			self.stats.DroppedStaleCount += 1
			self.stateLock.Unlock()

			glog.V(2).Infof("[disp]drop stale %s@%d %s\n", entityKey, version, event.Event)
			return
		}
	}

	self.stateLock.Lock()
	self.stats.AcceptedCount += 1
	self.stateLock.Unlock()

	effectiveEvent := event.EffectiveEvent()
	callbacks := self.callbacks(effectiveEvent)
	if len(callbacks) == 0 {
		glog.V(2).Infof("[disp]no handlers %s\n", effectiveEvent)
		return
	}
	for _, callback := range callbacks {
		callback := callback
		HandleError(func() {
			callback(event)
		})
	}
}

func (self *EventDispatcher) LastAcceptedVersion(entityKey string) int64 {
	return self.versions.lastVersion(entityKey)
}

func (self *EventDispatcher) Stats() EventDispatcherStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.stats
}

// entityKey -> last accepted version. in memory only, survives reconnects,
// reset on process start. mutated only by the dispatcher.
type versionTable struct {
	stateLock sync.Mutex
	versions  map[string]int64
}

func newVersionTable() *versionTable {
	return &versionTable{
		versions: map[string]int64{},
	}
}

// accepts only versions strictly greater than the last accepted one.
// the table updates atomically with acceptance.
func (self *versionTable) accept(entityKey string, version int64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if version <= self.versions[entityKey] {
		return false
	}
	self.versions[entityKey] = version
	return true
}

func (self *versionTable) lastVersion(entityKey string) int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.versions[entityKey]
}
