package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestRoundTrip(t *testing.T) {
	frame, err := NewRequest("42", MethodConnect, ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 2,
		Client:      ClientInfo{Name: "relaydesk", Version: "1.0.0", Platform: "linux"},
		Auth:        AuthParams{Token: "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, KindRequest, frame.Kind)
	assert.Equal(t, "42", frame.ID)
	assert.Equal(t, MethodConnect, frame.Method)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindRequest, decoded.Kind)

	var params ConnectParams
	require.NoError(t, decoded.ParseParams(&params))
	assert.Equal(t, 2, params.MaxProtocol)
	assert.Equal(t, "secret", params.Auth.Token)
	assert.Equal(t, "relaydesk", params.Client.Name)
}

func TestNewResponse(t *testing.T) {
	frame, err := NewResponse("7", ConnectResult{Protocol: 1, Server: "gw-0.3"})
	require.NoError(t, err)
	assert.Equal(t, KindResponse, frame.Kind)
	assert.True(t, frame.OK)

	var result ConnectResult
	require.NoError(t, frame.ParsePayload(&result))
	assert.Equal(t, 1, result.Protocol)
}

func TestNewErrorResponse(t *testing.T) {
	frame := NewErrorResponse("9", "unauthorized", "bad token")
	assert.Equal(t, KindResponse, frame.Kind)
	assert.False(t, frame.OK)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "unauthorized: bad token", frame.Error.String())
}

func TestNewEvent(t *testing.T) {
	frame, err := NewEvent(EventChat, ChatPayload{MessageID: "m1", State: ChatStateDelta, Text: "hel"})
	require.NoError(t, err)
	assert.Equal(t, KindEvent, frame.Kind)
	assert.Equal(t, EventChat, frame.Name)
	assert.Empty(t, frame.ID)

	var payload ChatPayload
	require.NoError(t, frame.ParsePayload(&payload))
	assert.Equal(t, ChatStateDelta, payload.State)
}

func TestFrameUnmarshalUnknownFields(t *testing.T) {
	// Forward compatibility: extra fields from newer gateways are ignored.
	raw := `{"kind":"event","name":"channel.status","payload":{"channel":"tg","status":"up"},"futureField":true}`
	var frame Frame
	require.NoError(t, json.Unmarshal([]byte(raw), &frame))
	assert.Equal(t, KindEvent, frame.Kind)

	var payload ChannelStatusPayload
	require.NoError(t, frame.ParsePayload(&payload))
	assert.Equal(t, "up", payload.Status)
}
