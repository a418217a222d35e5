package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// connection state machine is:
// ConnectionStateDisconnected
//
//	-> ConnectionStateConnecting
//	  -> ConnectionStateConnectedUnauthenticated
//	    -> ConnectionStateAuthenticated
//	-> ConnectionStateDisconnected (on close or error)
type ConnectionState string

const (
	ConnectionStateDisconnected             ConnectionState = "Disconnected"
	ConnectionStateConnecting               ConnectionState = "Connecting"
	ConnectionStateConnectedUnauthenticated ConnectionState = "ConnectedUnauthenticated"
	ConnectionStateAuthenticated            ConnectionState = "Authenticated"
)

func (self ConnectionState) IsConnected() bool {
	switch self {
	case ConnectionStateConnectedUnauthenticated, ConnectionStateAuthenticated:
		return true
	default:
		return false
	}
}

type ConnectionStateChangeFunction = func(state ConnectionState, reconnectAttempt int, err error)

type ConnectionManagerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// also the liveness bound. the server heartbeats well inside this window,
	// and a connection that never authenticates is closed by it.
	ReadTimeout          time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	SendBufferSize       int
	// wss is forced unless this is EnvironmentDevelopment
	DeploymentEnvironment string
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		WsHandshakeTimeout:    5 * time.Second,
		WriteTimeout:          5 * time.Second,
		ReadTimeout:           30 * time.Second,
		ReconnectBaseDelay:    1 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		MaxReconnectAttempts:  5,
		SendBufferSize:        32,
		DeploymentEnvironment: "production",
	}
}

// the reconnect delay ladder: base, 2*base, 4*base, ... capped.
// randomization is disabled so the schedule is exact.
func newReconnectBackOff(settings *ConnectionManagerSettings) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(settings.ReconnectBaseDelay),
		backoff.WithMaxInterval(settings.ReconnectMaxDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
}

// owns the one websocket per process: dial, authenticate, heartbeat replies,
// and reconnection with bounded exponential backoff. all observable state is
// exposed through getters and state change callbacks, there is no polling.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpointUrl string
	auth        *SessionAuth

	dispatcher *EventDispatcher

	settings *ConnectionManagerSettings

	stateLock        sync.Mutex
	state            ConnectionState
	connectionError  error
	reconnectAttempt int
	runId            int
	runCancel        context.CancelFunc
	send             chan []byte
	subscriptions    *SubscriptionRegistry

	stateChangeCallbacks *CallbackList[ConnectionStateChangeFunction]
}

func NewConnectionManagerWithDefaults(
	ctx context.Context,
	endpointUrl string,
	auth *SessionAuth,
	dispatcher *EventDispatcher,
) *ConnectionManager {
	return NewConnectionManager(
		ctx,
		endpointUrl,
		auth,
		dispatcher,
		DefaultConnectionManagerSettings(),
	)
}

func NewConnectionManager(
	ctx context.Context,
	endpointUrl string,
	auth *SessionAuth,
	dispatcher *EventDispatcher,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	connectionManager := &ConnectionManager{
		ctx:                  cancelCtx,
		cancel:               cancel,
		endpointUrl:          endpointUrl,
		auth:                 auth,
		dispatcher:           dispatcher,
		settings:             settings,
		state:                ConnectionStateDisconnected,
		stateChangeCallbacks: NewCallbackList[ConnectionStateChangeFunction](),
	}
	dispatcher.setConnection(connectionManager)
	return connectionManager
}

func (self *ConnectionManager) setSubscriptions(subscriptions *SubscriptionRegistry) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.subscriptions = subscriptions
}

// starts the connection loop. clears any terminal error and resets the
// reconnect attempt counter. a no-op while the loop is already running.
func (self *ConnectionManager) Connect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connectionError = nil
	self.reconnectAttempt = 0
	if self.runCancel != nil {
		// already running
		return
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runId += 1
	self.runCancel = runCancel
	go self.run(runCtx, self.runId)
}

// cancels any pending reconnect wait, closes the transport, and resets the
// attempt counter. this is a clean stop, not a terminal error.
func (self *ConnectionManager) Disconnect() {
	self.stateLock.Lock()
	runCancel := self.runCancel
	self.runCancel = nil
	self.reconnectAttempt = 0
	self.stateLock.Unlock()

	if runCancel != nil {
		runCancel()
	}
	self.transition(ConnectionStateDisconnected, nil)
}

func (self *ConnectionManager) Close() {
	self.cancel()
}

func (self *ConnectionManager) run(ctx context.Context, runId int) {
	defer func() {
		self.stateLock.Lock()
		current := self.runId == runId
		if current {
			self.runCancel = nil
		}
		self.stateLock.Unlock()
		if current {
			self.transition(ConnectionStateDisconnected, nil)
		}
	}()

	endpointUrl, err := ResolveEndpointUrl(self.endpointUrl, self.settings.DeploymentEnvironment)
	if err != nil {
		// a bad endpoint is not transient, do not retry
		self.setConnectionError(err)
		return
	}

	reconnect := newReconnectBackOff(self.settings)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		self.transition(ConnectionStateConnecting, nil)

		connectionId := NewId()

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		dial := func() (*websocket.Conn, error) {
			ws, _, err := dialer.DialContext(ctx, endpointUrl, nil)
			return ws, err
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[cm]dial %s", connectionId), dial)
		} else {
			ws, err = dial()
		}
		if err != nil {
			glog.Infof("[cm]connect error %s = %s\n", connectionId, err)
			if !self.scheduleReconnect(ctx, reconnect, err) {
				return
			}
			continue
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(ctx)
			defer handleCancel()

			send := make(chan []byte, self.settings.SendBufferSize)
			self.stateLock.Lock()
			self.send = send
			// the failure ladder counts consecutive failures.
			// an established transport starts a fresh one.
			self.reconnectAttempt = 0
			self.stateLock.Unlock()
			reconnect.Reset()

			defer func() {
				self.stateLock.Lock()
				if self.send == send {
					// note `send` is not closed. the channel is left open
					// and unreferenced once the pumps exit.
					self.send = nil
				}
				self.stateLock.Unlock()
			}()

			self.transition(ConnectionStateConnectedUnauthenticated, nil)

			// the session identity is known up front, so authenticate
			// immediately instead of waiting for auth-required
			self.authenticate()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[cm]%s-> error = %s\n", connectionId, err)
							return
						}
						glog.V(2).Infof("[cm]%s->\n", connectionId)
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[cm]%s<- error = %s\n", connectionId, err)
						return
					}

					switch messageType {
					case websocket.TextMessage, websocket.BinaryMessage:
						if len(message) == 0 {
							continue
						}
						glog.V(2).Infof("[cm]%s<-\n", connectionId)
						self.dispatcher.DispatchMessage(message)
					default:
						glog.V(2).Infof("[cm]other=%d %s<-\n", messageType, connectionId)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		if glog.V(2) {
			Trace(fmt.Sprintf("[cm]connection %s", connectionId), c)
		} else {
			c()
		}

		// the connection closed. events stop arriving, the version table and
		// any pending invalidations stay as they are.
		self.transition(ConnectionStateDisconnected, nil)
		if !self.scheduleReconnect(ctx, reconnect, nil) {
			return
		}
	}
}

// waits out the next backoff delay. returns false when the attempt budget is
// exhausted (terminal connection error) or the context was canceled.
func (self *ConnectionManager) scheduleReconnect(ctx context.Context, reconnect backoff.BackOff, err error) bool {
	select {
	case <-ctx.Done():
		// a clean stop, not a failure
		return false
	default:
	}

	self.stateLock.Lock()
	attempt := self.reconnectAttempt
	self.stateLock.Unlock()

	if self.settings.MaxReconnectAttempts <= attempt {
		if err == nil {
			err = errors.New("connection lost")
		}
		connectionError := fmt.Errorf("connection failed after %d attempts: %w", attempt, err)
		glog.Infof("[cm]reconnect attempts exhausted = %s\n", connectionError)

		// the run slot is released before the error fans out, so that a
		// Connect from a state callback starts a fresh run. the runId guard
		// in the run defer keeps this exiting run off the new slot.
		self.stateLock.Lock()
		runCancel := self.runCancel
		self.runCancel = nil
		self.stateLock.Unlock()
		if runCancel != nil {
			runCancel()
		}

		self.setConnectionError(connectionError)
		return false
	}

	delay := reconnect.NextBackOff()
	self.stateLock.Lock()
	self.reconnectAttempt = attempt + 1
	self.stateLock.Unlock()

	glog.Infof("[cm]reconnect %d/%d in %s\n", attempt+1, self.settings.MaxReconnectAttempts, delay)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (self *ConnectionManager) setConnectionError(err error) {
	self.stateLock.Lock()
	self.connectionError = err
	self.stateLock.Unlock()

	self.transition(ConnectionStateDisconnected, err)
}

func (self *ConnectionManager) transition(state ConnectionState, err error) {
	self.stateLock.Lock()
	if self.state == state && err == nil {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	reconnectAttempt := self.reconnectAttempt
	self.stateLock.Unlock()

	for _, stateChangeCallback := range self.stateChangeCallbacks.Get() {
		stateChangeCallback := stateChangeCallback
		HandleError(func() {
			stateChangeCallback(state, reconnectAttempt, err)
		})
	}
}

// connectionControl

// sends the authenticate frame for the configured session.
// also the response to the server's auth-required prompt.
func (self *ConnectionManager) authenticate() {
	if self.sendMessage(RequireEncodeClientMessage(NewAuthenticateMessage(self.auth))) {
		glog.V(2).Infof("[cm]authenticate %s\n", self.auth.UserId)
	}
}

func (self *ConnectionManager) handleAuthSuccess(event *ServerEvent) {
	self.transition(ConnectionStateAuthenticated, nil)

	self.stateLock.Lock()
	subscriptions := self.subscriptions
	self.stateLock.Unlock()

	if subscriptions != nil {
		subscriptions.Rehydrate()
	}
}

// an auth error is retryable and does not close the transport.
func (self *ConnectionManager) handleAuthError(event *ServerEvent) {
	glog.Infof("[cm]auth error = %s\n", event.ErrorMessage())
	self.transition(ConnectionStateConnectedUnauthenticated, nil)
}

// one pong per ping, no retry
func (self *ConnectionManager) handleHeartbeatPing(event *ServerEvent) {
	self.sendMessage(RequireEncodeClientMessage(NewPongMessage(time.Now())))
}

// enqueues an encoded frame on the open connection. drops (and logs) when
// there is no connection or the send buffer is full. the registry makes
// dropped frames consistent again at the next rehydration.
func (self *ConnectionManager) sendMessage(messageBytes []byte) bool {
	self.stateLock.Lock()
	send := self.send
	self.stateLock.Unlock()

	if send == nil {
		glog.V(2).Infof("[cm]drop send, not connected\n")
		return false
	}
	select {
	case send <- messageBytes:
		return true
	default:
		glog.Infof("[cm]drop send, buffer full\n")
		return false
	}
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *ConnectionManager) IsConnected() bool {
	return self.State().IsConnected()
}

func (self *ConnectionManager) IsAuthenticated() bool {
	return self.State() == ConnectionStateAuthenticated
}

// the terminal error after the reconnect budget is exhausted.
// cleared by the next manual Connect.
func (self *ConnectionManager) ConnectionError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connectionError
}

func (self *ConnectionManager) ReconnectAttempt() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.reconnectAttempt
}

func (self *ConnectionManager) AddStateChangeCallback(stateChangeCallback ConnectionStateChangeFunction) func() {
	callbackId := self.stateChangeCallbacks.Add(stateChangeCallback)
	return func() {
		self.stateChangeCallbacks.Remove(callbackId)
	}
}
