package protocol

import "time"

// Event names pushed by the gateway.
const (
	// EventChallenge must be observed before the client may send its
	// connect request. The gateway pushes it once the socket is ready to
	// accept authentication.
	EventChallenge = "connect.challenge"

	// EventChat carries streamed chat content. The payload's State field
	// discriminates incremental deltas from the final complete message.
	EventChat = "chat.message"

	// EventPairingCode announces a channel pairing code the user must
	// confirm out of band.
	EventPairingCode = "channel.pairing"

	// EventChannelStatus reports a messaging channel going up or down.
	EventChannelStatus = "channel.status"

	// EventTick is the gateway's periodic keepalive.
	EventTick = "health.tick"
)

// Chat payload states.
const (
	ChatStateDelta = "delta"
	ChatStateFinal = "final"
)

// MethodConnect is the single request used to authenticate and negotiate
// protocol version and capabilities at session start.
const MethodConnect = "connect"

// ConnectParams is the body of the connect request.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Role        string     `json:"role,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	Caps        []string   `json:"caps,omitempty"`
	Auth        AuthParams `json:"auth"`
}

// ClientInfo identifies this installation to the gateway.
type ClientInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	DeviceID string `json:"deviceId,omitempty"`
}

// AuthParams carries the shared token. An empty struct is sent when no token
// is configured.
type AuthParams struct {
	Token string `json:"token,omitempty"`
}

// ConnectResult is the payload of a successful connect response.
type ConnectResult struct {
	Protocol int    `json:"protocol"`
	Server   string `json:"server,omitempty"`
}

// ChatPayload is the body of an EventChat frame.
type ChatPayload struct {
	MessageID string    `json:"messageId"`
	State     string    `json:"state"`
	Role      string    `json:"role,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// PairingPayload is the body of an EventPairingCode frame.
type PairingPayload struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

// ChannelStatusPayload is the body of an EventChannelStatus frame.
type ChannelStatusPayload struct {
	Channel string `json:"channel"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}
