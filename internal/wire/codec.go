package wire

import "encoding/json"

// EncodeEnvelope serializes a frame for the socket.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope parses a raw frame.
func DecodeEnvelope(data []byte, env *Envelope) error {
	return json.Unmarshal(data, env)
}

// EncodeData serializes an event payload. A nil payload encodes to nothing.
func EncodeData(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

// DecodeData parses an event payload. Empty data is a no-op so events
// without payloads decode cleanly.
func DecodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
