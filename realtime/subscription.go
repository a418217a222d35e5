package realtime

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// a (tenant, team) topic. set semantics: present or absent, no counts.
// comparable
type SubscriptionKey struct {
	TenantName string
	TeamName   string
}

func (self SubscriptionKey) String() string {
	return fmt.Sprintf("%s/%s", self.TenantName, self.TeamName)
}

// how subscription frames reach the wire. implemented by the connection manager.
type subscriptionTransport interface {
	IsAuthenticated() bool
	sendMessage(messageBytes []byte) bool
}

// tracks the set of topics consumers currently care about.
// the active set is the single source of truth. the wire is eventually
// consistent with it: frames are sent immediately while authenticated, and
// the whole set is re sent on every authentication (rehydration), so a
// reconnect never silently drops subscriptions.
type SubscriptionRegistry struct {
	transport subscriptionTransport

	stateLock sync.Mutex
	active    map[SubscriptionKey]bool
}

func NewSubscriptionRegistry(transport subscriptionTransport) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		transport: transport,
		active:    map[SubscriptionKey]bool{},
	}
}

// adds the topic to the active set and subscribes on the wire when
// authenticated. before authentication membership alone queues the topic,
// the next rehydration flushes it. subscribing an active topic is a no-op.
func (self *SubscriptionRegistry) Subscribe(tenantName string, teamName string) {
	if tenantName == "" || teamName == "" {
		glog.V(2).Infof("[sub]ignore empty key %s/%s\n", tenantName, teamName)
		return
	}
	key := SubscriptionKey{
		TenantName: tenantName,
		TeamName:   teamName,
	}

	self.stateLock.Lock()
	if self.active[key] {
		self.stateLock.Unlock()
		return
	}
	self.active[key] = true
	self.stateLock.Unlock()

	if self.transport.IsAuthenticated() {
		self.transport.sendMessage(RequireEncodeClientMessage(NewSubscribeMessage(tenantName, teamName)))
		glog.V(2).Infof("[sub]+%s\n", key)
	}
}

// removes the topic and unsubscribes on the wire when authenticated.
// a topic not in the active set is a silent no-op: no frame, no error.
func (self *SubscriptionRegistry) Unsubscribe(tenantName string, teamName string) {
	key := SubscriptionKey{
		TenantName: tenantName,
		TeamName:   teamName,
	}

	self.stateLock.Lock()
	if !self.active[key] {
		self.stateLock.Unlock()
		return
	}
	delete(self.active, key)
	self.stateLock.Unlock()

	if self.transport.IsAuthenticated() {
		self.transport.sendMessage(RequireEncodeClientMessage(NewUnsubscribeMessage(tenantName, teamName)))
		glog.V(2).Infof("[sub]-%s\n", key)
	}
}

// unsubscribes every active topic. used on full teardown.
func (self *SubscriptionRegistry) UnsubscribeAll() {
	self.stateLock.Lock()
	keys := maps.Keys(self.active)
	maps.Clear(self.active)
	self.stateLock.Unlock()

	if len(keys) == 0 {
		return
	}
	if self.transport.IsAuthenticated() {
		for _, key := range keys {
			self.transport.sendMessage(RequireEncodeClientMessage(NewUnsubscribeMessage(key.TenantName, key.TeamName)))
		}
	}
	glog.V(2).Infof("[sub]clear %d topics\n", len(keys))
}

// re-sends subscribe for every key in the active set. invoked once per
// successful authentication. order is not part of the server contract.
func (self *SubscriptionRegistry) Rehydrate() {
	self.stateLock.Lock()
	keys := maps.Keys(self.active)
	self.stateLock.Unlock()

	for _, key := range keys {
		self.transport.sendMessage(RequireEncodeClientMessage(NewSubscribeMessage(key.TenantName, key.TeamName)))
	}
	if 0 < len(keys) {
		glog.Infof("[sub]rehydrate %d topics\n", len(keys))
	}
}

func (self *SubscriptionRegistry) IsActive(tenantName string, teamName string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.active[SubscriptionKey{
		TenantName: tenantName,
		TeamName:   teamName,
	}]
}

func (self *SubscriptionRegistry) ActiveSubscriptions() []SubscriptionKey {
	self.stateLock.Lock()
	keys := maps.Keys(self.active)
	self.stateLock.Unlock()

	slices.SortFunc(keys, func(a SubscriptionKey, b SubscriptionKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}
