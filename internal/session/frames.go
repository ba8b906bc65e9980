package session

import "encoding/json"

// graphql-ws frame types used by the AppSync realtime protocol.
const (
	frameConnectionInit = "connection_init"
	frameConnectionAck  = "connection_ack"
	frameKeepAlive      = "ka"
	frameStart          = "start"
	frameStop           = "stop"
	frameData           = "data"
	frameError          = "error"
)

// amzUserAgent mirrors the value sent by the official mobile client; the
// cloud rejects subscriptions without it.
const amzUserAgent = "aws-amplify/2.0.5 react-native"

// ServerFrame is any frame received from the realtime endpoint.
type ServerFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ackPayload is the optional payload of a connection_ack frame.
type ackPayload struct {
	ConnectionTimeoutMs int `json:"connectionTimeoutMs"`
}

// startFrame registers a subscription on an open connection.
type startFrame struct {
	ID      string       `json:"id"`
	Payload startPayload `json:"payload"`
	Type    string       `json:"type"`
}

type startPayload struct {
	Data       string          `json:"data"`
	Extensions startExtensions `json:"extensions"`
}

type startExtensions struct {
	Authorization wsAuthorization `json:"authorization"`
}

type wsAuthorization struct {
	Authorization string `json:"Authorization"`
	Host          string `json:"host"`
	UserAgent     string `json:"x-amz-user-agent"`
}

// stopFrame ends a subscription; sent best-effort before closing.
type stopFrame struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Subscription documents. The control-state channel delivers reported
// deltas via onStateUpdated, the telemetry channel via onDataUpdates.
const (
	subscriptionStateUpdated = "subscription Subscription($receiver: String!) {\n  onStateUpdated(receiver: $receiver) {\n    desired\n    reported\n    timestamp\n    receiver\n    __typename\n  }\n}\n"

	subscriptionDataUpdates = "subscription Subscription($receiver: String!) {\n  onDataUpdates(receiver: $receiver) {\n    item {\n      deviceId\n      timestamp\n      sessionId\n      type\n      data\n      __typename\n    }\n    __typename\n  }\n}\n"
)

// subscriptionDocument renders payload.data for a start frame: a JSON
// string carrying the GraphQL document and the receiver variable.
func subscriptionDocument(channel, receiver string) (string, error) {
	query := subscriptionStateUpdated
	if channel == "data" {
		query = subscriptionDataUpdates
	}
	doc, err := json.Marshal(struct {
		Query     string            `json:"query"`
		Variables map[string]string `json:"variables"`
	}{
		Query:     query,
		Variables: map[string]string{"receiver": receiver},
	})
	if err != nil {
		return "", err
	}
	return string(doc), nil
}
