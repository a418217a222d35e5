package realtime

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the session token is verified by the server on every call.
// parsing it here is just to recover the identity fields that the
// websocket authenticate frame needs.

func ParseSessionToken(sessionToken string) (*SessionAuth, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(sessionToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("malformed claims")
	}

	auth := &SessionAuth{}
	if sessionId, ok := claims["session_id"].(string); ok {
		auth.SessionId = sessionId
	}
	if userId, ok := claims["user_id"].(string); ok {
		auth.UserId = userId
	}
	if componentType, ok := claims["component_type"].(string); ok {
		auth.ComponentType = componentType
	}

	if auth.SessionId == "" || auth.UserId == "" {
		return nil, errors.New("token is missing the session identity")
	}
	return auth, nil
}
