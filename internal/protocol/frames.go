// Package protocol defines the symmetry peer wire protocol: JSON frame
// envelopes exchanged over encrypted streams, plus the payload types for
// every frame the hub sends or receives.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame keys. The string values are the wire protocol and must not change;
// "conectionSize" is misspelled on the wire and is preserved as-is.
const (
	KeyJoin              = "join"
	KeyJoinAck           = "joinAck"
	KeyVersionMismatch   = "versionMismatch"
	KeyChallenge         = "challenge"
	KeyConnectionSize    = "conectionSize"
	KeyRequestProvider   = "requestProvider"
	KeyProviderDetails   = "providerDetails"
	KeyVerifySession     = "verifySession"
	KeySessionValid      = "sessionValid"
	KeyInference         = "inference"
	KeyInferenceEnded    = "inferenceEnded"
	KeySendMetrics       = "sendMetrics"
	KeyHealthCheck       = "healthCheck"
	KeyHealthCheckFailed = "healthCheckFailed"
)

var ErrNotAFrame = errors.New("payload is not a frame")

// Frame is the envelope for every protocol message: a string discriminator
// and an opaque payload decoded per-key by the dispatcher.
type Frame struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame with the given key and a JSON-encoded payload.
func NewFrame(key string, data any) (Frame, error) {
	if data == nil {
		return Frame{Key: key}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", key, err)
	}
	return Frame{Key: key, Data: raw}, nil
}

// Encode serialises the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a wire payload into a frame. Raw provider bytes are not
// frames: anything that is not a JSON object with a non-empty "key" string
// returns ErrNotAFrame so the caller can route the bytes verbatim.
func Decode(payload []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, ErrNotAFrame
	}
	if f.Key == "" {
		return Frame{}, ErrNotAFrame
	}
	return f, nil
}

// DecodeData unmarshals the frame payload into v.
func (f Frame) DecodeData(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Key)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Key, err)
	}
	return nil
}

// JoinPayload is a provider's self-description sent in the join frame.
type JoinPayload struct {
	DiscoveryKey          string `json:"discoveryKey"`
	ModelName             string `json:"modelName"`
	Name                  string `json:"name"`
	Website               string `json:"website"`
	APIProvider           string `json:"apiProvider"`
	Public                bool   `json:"public"`
	ServerKey             string `json:"serverKey"`
	DataCollectionEnabled bool   `json:"dataCollectionEnabled"`
	MaxConnections        int    `json:"maxConnections"`
	SymmetryCoreVersion   string `json:"symmetryCoreVersion"`
}

// JoinAckPayload acknowledges a successful join.
type JoinAckPayload struct {
	Status string `json:"status"`
	Key    string `json:"key"`
}

// VersionMismatchPayload tells a peer its core version is too old.
type VersionMismatchPayload struct {
	MinVersion string `json:"minVersion"`
}

// ChallengePayload carries challenge bytes from a peer, and the hub's
// signature over them on the way back. Both are base64 on the wire.
type ChallengePayload struct {
	Challenge []byte `json:"challenge,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// ConnectionSizePayload is a provider's self-reported connection fan-out.
type ConnectionSizePayload struct {
	Connections int `json:"connections"`
}

// RequestProviderPayload asks the hub to match a provider for a model.
type RequestProviderPayload struct {
	ModelName           string `json:"modelName"`
	PreferredProviderID string `json:"preferredProviderId,omitempty"`
}

// ProviderDetailsPayload is the matchmaking reply: the chosen provider and
// a broker-session token binding the caller to it.
type ProviderDetailsPayload struct {
	ProviderID   string `json:"providerId"`
	SessionToken string `json:"sessionToken"`
}

// SessionValidPayload confirms a broker-session token and identifies the
// bound provider.
type SessionValidPayload struct {
	DiscoveryKey string `json:"discoveryKey"`
	ModelName    string `json:"modelName"`
	Name         string `json:"name"`
	Provider     string `json:"provider"`
}

// Message is a single chat message in an inference request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InferencePayload carries the chat messages and the inference token used
// to route the provider's response bytes back to the requesting client.
type InferencePayload struct {
	Messages []Message `json:"messages"`
	Key      string    `json:"key"`
}

// HealthCheckPayload carries the random id of one health-check round trip.
type HealthCheckPayload struct {
	ID string `json:"id"`
}
