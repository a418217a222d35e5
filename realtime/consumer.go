package realtime

import (
	"sync"

	"golang.org/x/exp/maps"
)

// a consumer is one dashboard surface (a page, a panel) borrowing the shared
// client. each consumer tracks its own topics and callbacks so that closing
// one surface never disturbs another: topic interest is reference counted at
// the client, and the connection runs only while at least one consumer is
// open. a topic managed through consumers should not also be managed through
// the client's direct subscribe calls.
type Consumer struct {
	client *Client

	stateLock       sync.Mutex
	closed          bool
	topics          map[SubscriptionKey]bool
	removeCallbacks []func()
}

// opens a consumer handle. the first open consumer connects the client.
func (self *Client) NewConsumer() *Consumer {
	self.consumerStateLock.Lock()
	self.consumerCount += 1
	needConnect := self.consumerCount == 1
	self.consumerStateLock.Unlock()

	if needConnect {
		self.connection.Connect()
	}

	return &Consumer{
		client: self,
		topics: map[SubscriptionKey]bool{},
	}
}

// 0->1 subscribes the topic on the registry, 1->0 unsubscribes it.
// counts in between only move the counter.
func (self *Client) retainTopic(key SubscriptionKey) {
	self.consumerStateLock.Lock()
	self.topicInterest[key] += 1
	needSubscribe := self.topicInterest[key] == 1
	self.consumerStateLock.Unlock()

	if needSubscribe {
		self.subscriptions.Subscribe(key.TenantName, key.TeamName)
	}
}

func (self *Client) releaseTopic(key SubscriptionKey) {
	self.consumerStateLock.Lock()
	count := self.topicInterest[key]
	if count <= 1 {
		delete(self.topicInterest, key)
	} else {
		self.topicInterest[key] = count - 1
	}
	self.consumerStateLock.Unlock()

	if count == 1 {
		self.subscriptions.Unsubscribe(key.TenantName, key.TeamName)
	}
}

func (self *Client) releaseConsumer() {
	self.consumerStateLock.Lock()
	if 0 < self.consumerCount {
		self.consumerCount -= 1
	}
	idle := self.consumerCount == 0
	self.consumerStateLock.Unlock()

	if idle {
		self.connection.Disconnect()
	}
}

func (self *Consumer) Client() *Client {
	return self.client
}

// subscribes this consumer to a topic. the topic stays active until the last
// interested consumer lets go, so two surfaces sharing a topic do not cancel
// each other. subscribing an already held topic is a no-op.
func (self *Consumer) Subscribe(tenantName string, teamName string) {
	if tenantName == "" || teamName == "" {
		return
	}
	key := SubscriptionKey{
		TenantName: tenantName,
		TeamName:   teamName,
	}

	// retain under the lock so a concurrent close cannot miss the count
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed || self.topics[key] {
		return
	}
	self.topics[key] = true
	self.client.retainTopic(key)
}

// releases this consumer's hold on a topic. a topic this consumer does not
// hold is a silent no-op.
func (self *Consumer) Unsubscribe(tenantName string, teamName string) {
	key := SubscriptionKey{
		TenantName: tenantName,
		TeamName:   teamName,
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.topics[key] {
		return
	}
	delete(self.topics, key)
	self.client.releaseTopic(key)
}

// registers an event callback scoped to this consumer. closing the consumer
// removes it. the returned function removes it early.
func (self *Consumer) AddEventCallback(eventType string, callback EventHandlerFunction) func() {
	remove := self.client.dispatcher.AddEventCallback(eventType, callback)
	return self.trackRemoval(remove)
}

func (self *Consumer) AddStateChangeCallback(stateChangeCallback ConnectionStateChangeFunction) func() {
	remove := self.client.connection.AddStateChangeCallback(stateChangeCallback)
	return self.trackRemoval(remove)
}

func (self *Consumer) trackRemoval(remove func()) func() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		remove()
		return func() {}
	}
	self.removeCallbacks = append(self.removeCallbacks, remove)
	self.stateLock.Unlock()
	return remove
}

// releases everything this consumer holds: its callbacks, its topic
// interest, and its share of the connection. the last consumer out
// disconnects the client, ready for the next consumer to reconnect.
// close is idempotent.
func (self *Consumer) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	for _, key := range maps.Keys(self.topics) {
		self.client.releaseTopic(key)
	}
	maps.Clear(self.topics)
	removeCallbacks := self.removeCallbacks
	self.removeCallbacks = nil
	self.stateLock.Unlock()

	for _, remove := range removeCallbacks {
		remove()
	}
	// outside the lock. the disconnect fans out state callbacks, which may
	// call back into this consumer.
	self.client.releaseConsumer()
}
