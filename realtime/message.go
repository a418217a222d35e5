package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	MessageTypeAuthenticate = "authenticate"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypePong         = "pong"
)

const (
	EventTypeAuthRequired       = "auth-required"
	EventTypeAuthSuccess        = "auth-success"
	EventTypeAuthError          = "auth-error"
	EventTypeHeartbeatPing      = "heartbeat-ping"
	EventTypeCacheUpdated       = "cache-updated"
	EventTypeEntityUpdated      = "entity-updated"
	EventTypeTeamMembersUpdated = "team-members-updated"
	EventTypeUserStatusChanged  = "user-status-changed"
	EventTypeEchoToOrigin       = "echo-to-origin"
	EventTypePong               = "pong"
)

type AuthenticateMessage struct {
	Type          string `json:"type"`
	SessionId     string `json:"sessionId"`
	UserId        string `json:"userId"`
	ComponentType string `json:"componentType,omitempty"`
}

func NewAuthenticateMessage(auth *SessionAuth) *AuthenticateMessage {
	return &AuthenticateMessage{
		Type:          MessageTypeAuthenticate,
		SessionId:     auth.SessionId,
		UserId:        auth.UserId,
		ComponentType: auth.ComponentType,
	}
}

type SubscribeMessage struct {
	Type       string `json:"type"`
	TenantName string `json:"tenantName"`
	TeamName   string `json:"teamName"`
}

func NewSubscribeMessage(tenantName string, teamName string) *SubscribeMessage {
	return &SubscribeMessage{
		Type:       MessageTypeSubscribe,
		TenantName: tenantName,
		TeamName:   teamName,
	}
}

type UnsubscribeMessage struct {
	Type       string `json:"type"`
	TenantName string `json:"tenantName"`
	TeamName   string `json:"teamName"`
}

func NewUnsubscribeMessage(tenantName string, teamName string) *UnsubscribeMessage {
	return &UnsubscribeMessage{
		Type:       MessageTypeUnsubscribe,
		TenantName: tenantName,
		TeamName:   teamName,
	}
}

type PongMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

func NewPongMessage(timestamp time.Time) *PongMessage {
	return &PongMessage{
		Type:      MessageTypePong,
		Timestamp: timestamp.UTC().Format(time.RFC3339),
	}
}

func EncodeClientMessage(message any) ([]byte, error) {
	switch v := message.(type) {
	case *AuthenticateMessage, *SubscribeMessage, *UnsubscribeMessage, *PongMessage:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
}

func RequireEncodeClientMessage(message any) []byte {
	messageBytes, err := EncodeClientMessage(message)
	if err != nil {
		panic(err)
	}
	return messageBytes
}

type ServerEvent struct {
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	CacheType     string          `json:"cacheType,omitempty"`
	OriginalEvent string          `json:"originalEvent,omitempty"`
	IsEcho        bool            `json:"isEcho,omitempty"`
}

func ParseServerEvent(message []byte) (*ServerEvent, error) {
	event := &ServerEvent{}
	if err := json.Unmarshal(message, event); err != nil {
		return nil, err
	}
	if event.Event == "" {
		return nil, errors.New("missing event type")
	}
	return event, nil
}

// echoes are delivered to the handlers of the event they confirm
func (self *ServerEvent) EffectiveEvent() string {
	if self.IsEcho || self.Event == EventTypeEchoToOrigin {
		if self.OriginalEvent != "" {
			return self.OriginalEvent
		}
	}
	return self.Event
}

// the human readable message carried by error events, or empty
func (self *ServerEvent) ErrorMessage() string {
	if len(self.Data) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(self.Data, &payload); err != nil {
		return ""
	}
	return payload.Message
}

// extracts the per key ordering info when the payload carries one.
// the entity key is the first of entityId, entityName, teamName present.
func (self *ServerEvent) VersionInfo() (entityKey string, version int64, ok bool) {
	if len(self.Data) == 0 {
		return
	}
	var payload struct {
		EntityId   any    `json:"entityId"`
		EntityName string `json:"entityName"`
		TeamName   string `json:"teamName"`
		Version    *int64 `json:"version"`
	}
	if err := json.Unmarshal(self.Data, &payload); err != nil {
		return
	}
	if payload.Version == nil {
		return
	}
	switch v := payload.EntityId.(type) {
	case string:
		entityKey = v
	case float64:
		// json numbers arrive as float64. a fractional id, or one at or past
		// float64 integer precision, has no faithful integer form, so fall
		// through to the name keys instead of keying on a rounded id.
		if v == math.Trunc(v) && math.Abs(v) < float64(1<<53) {
			entityKey = strconv.FormatInt(int64(v), 10)
		}
	}
	if entityKey == "" {
		entityKey = payload.EntityName
	}
	if entityKey == "" {
		entityKey = payload.TeamName
	}
	if entityKey == "" {
		return
	}
	version = *payload.Version
	ok = true
	return
}
