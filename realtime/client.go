package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

type ClientSettings struct {
	ConnectionManagerSettings     *ConnectionManagerSettings
	InvalidationCoalescerSettings *InvalidationCoalescerSettings
	MutationGatewaySettings       *MutationGatewaySettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ConnectionManagerSettings:     DefaultConnectionManagerSettings(),
		InvalidationCoalescerSettings: DefaultInvalidationCoalescerSettings(),
		MutationGatewaySettings:       DefaultMutationGatewaySettings(),
	}
}

// assembles the sync layer for one dashboard session: the websocket
// connection, the subscription registry riding it, the event dispatcher, the
// query cache with its invalidation coalescer, and the mutation gateway.
// consumers reach the pieces through the getters, the client only wires them.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	cache Cache

	dispatcher    *EventDispatcher
	connection    *ConnectionManager
	subscriptions *SubscriptionRegistry
	coalescer     *InvalidationCoalescer
	mutations     *MutationGateway

	consumerStateLock sync.Mutex
	consumerCount     int
	topicInterest     map[SubscriptionKey]int

	removeCacheUpdatedCallback func()
}

func NewClientWithDefaults(ctx context.Context, endpointUrl string, auth *SessionAuth) *Client {
	return NewClient(ctx, endpointUrl, auth, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	endpointUrl string,
	auth *SessionAuth,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	cache := NewQueryCache()
	dispatcher := NewEventDispatcher()
	connection := NewConnectionManager(
		cancelCtx,
		endpointUrl,
		auth,
		dispatcher,
		settings.ConnectionManagerSettings,
	)
	subscriptions := NewSubscriptionRegistry(connection)
	connection.setSubscriptions(subscriptions)
	coalescer := NewInvalidationCoalescer(cancelCtx, cache, settings.InvalidationCoalescerSettings)
	mutations := NewMutationGateway(cache, coalescer, settings.MutationGatewaySettings)

	client := &Client{
		ctx:           cancelCtx,
		cancel:        cancel,
		cache:         cache,
		dispatcher:    dispatcher,
		connection:    connection,
		subscriptions: subscriptions,
		coalescer:     coalescer,
		mutations:     mutations,
		topicInterest: map[SubscriptionKey]int{},
	}
	client.removeCacheUpdatedCallback = dispatcher.AddEventCallback(
		EventTypeCacheUpdated,
		client.handleCacheUpdated,
	)
	return client
}

// a cache-updated event that names its scope becomes a targeted
// invalidation. anything else falls back to a global one.
func (self *Client) handleCacheUpdated(event *ServerEvent) {
	if parameters := invalidationParametersFromEvent(event); parameters != nil {
		self.coalescer.Invalidate(parameters)
	} else {
		self.coalescer.InvalidateAll()
	}
}

func invalidationParametersFromEvent(event *ServerEvent) *InvalidationParameters {
	parameters := &InvalidationParameters{}
	if 0 < len(event.Data) {
		if err := json.Unmarshal(event.Data, parameters); err != nil {
			return nil
		}
	}
	if parameters.CacheType == "" {
		parameters.CacheType = event.CacheType
	}
	if len(parameters.values()) == 0 {
		return nil
	}
	return parameters
}

func (self *Client) Connect() {
	self.connection.Connect()
}

func (self *Client) Disconnect() {
	self.connection.Disconnect()
}

func (self *Client) Subscribe(tenantName string, teamName string) {
	self.subscriptions.Subscribe(tenantName, teamName)
}

func (self *Client) Unsubscribe(tenantName string, teamName string) {
	self.subscriptions.Unsubscribe(tenantName, teamName)
}

func (self *Client) AddEventCallback(eventType string, callback EventHandlerFunction) func() {
	return self.dispatcher.AddEventCallback(eventType, callback)
}

func (self *Client) AddStateChangeCallback(stateChangeCallback ConnectionStateChangeFunction) func() {
	return self.connection.AddStateChangeCallback(stateChangeCallback)
}

func (self *Client) Mutate(ctx context.Context, request *MutationRequest) (any, error) {
	return self.mutations.Mutate(ctx, request)
}

func (self *Client) MutateAsync(ctx context.Context, request *MutationRequest, callback MutationResultFunction) {
	self.mutations.MutateAsync(ctx, request, callback)
}

func (self *Client) Cache() Cache {
	return self.cache
}

func (self *Client) Dispatcher() *EventDispatcher {
	return self.dispatcher
}

func (self *Client) Connection() *ConnectionManager {
	return self.connection
}

func (self *Client) Subscriptions() *SubscriptionRegistry {
	return self.subscriptions
}

func (self *Client) Coalescer() *InvalidationCoalescer {
	return self.coalescer
}

func (self *Client) Mutations() *MutationGateway {
	return self.mutations
}

func (self *Client) Close() {
	self.removeCacheUpdatedCallback()
	// best effort. the unsubscribe frames ride the connection only while it
	// is still authenticated.
	self.subscriptions.UnsubscribeAll()
	self.connection.Close()
	self.coalescer.Close()
	self.cancel()
}
