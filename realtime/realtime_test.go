package realtime

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestId(t *testing.T) {
	id := NewId()
	idStr := id.String()
	assert.Equal(t, 36, len(idStr))

	parsedId, err := ParseId(idStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, parsedId)

	// dashes stripped parses to the same id
	stripped := idStr[0:8] + idStr[9:13] + idStr[14:18] + idStr[19:23] + idStr[24:]
	parsedId, err = ParseId(stripped)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, parsedId)

	_, err = ParseId("not-an-id")
	assert.NotEqual(t, err, nil)
}

func TestIdJson(t *testing.T) {
	type container struct {
		MutationId Id `json:"mutationId"`
	}

	id := NewId()
	out := &container{
		MutationId: id,
	}
	outBytes, err := json.Marshal(out)
	assert.Equal(t, err, nil)

	in := &container{}
	err = json.Unmarshal(outBytes, in)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, in.MutationId)
}

func TestResolveEndpointUrl(t *testing.T) {
	// development keeps insecure schemes
	endpointUrl, err := ResolveEndpointUrl("ws://localhost:8080/ws", EnvironmentDevelopment)
	assert.Equal(t, err, nil)
	assert.Equal(t, "ws://localhost:8080/ws", endpointUrl)

	endpointUrl, err = ResolveEndpointUrl("http://localhost:8080/ws", EnvironmentDevelopment)
	assert.Equal(t, err, nil)
	assert.Equal(t, "ws://localhost:8080/ws", endpointUrl)

	// everywhere else the scheme is forced to wss
	endpointUrl, err = ResolveEndpointUrl("ws://sync.sladash.io/ws", "production")
	assert.Equal(t, err, nil)
	assert.Equal(t, "wss://sync.sladash.io/ws", endpointUrl)

	endpointUrl, err = ResolveEndpointUrl("https://sync.sladash.io/ws", "production")
	assert.Equal(t, err, nil)
	assert.Equal(t, "wss://sync.sladash.io/ws", endpointUrl)

	_, err = ResolveEndpointUrl("ftp://sync.sladash.io/ws", "production")
	assert.NotEqual(t, err, nil)

	_, err = ResolveEndpointUrl("", "production")
	assert.NotEqual(t, err, nil)
}
