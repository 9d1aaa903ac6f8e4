package mqttmesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Envelope errors.
var (
	ErrEnvelopeEmpty     = errors.New("envelope frame is empty")
	ErrEnvelopeMalformed = errors.New("envelope frame is malformed")
	ErrEnvelopeNoPayload = errors.New("envelope has no payload")
)

// Envelope is the unit of delivery on mesh channels. The payload is an
// opaque application message; the mesh never inspects it.
//
// Targeted envelopes carry the client ID the owning node should deliver
// to. Broadcast envelopes carry the set of client IDs every node must
// skip during local fan-out.
type Envelope struct {
	Payload    []byte   `json:"payload"`
	ClientID   string   `json:"client_id,omitempty"`
	ExcludeIDs []string `json:"exclude_ids,omitempty"`
}

// Excluded reports whether clientID is on the envelope's exclusion list.
func (e Envelope) Excluded(clientID string) bool {
	return slices.Contains(e.ExcludeIDs, clientID)
}

// EncodeEnvelope serializes an envelope into its wire form.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if len(env.Payload) == 0 {
		return nil, ErrEnvelopeNoPayload
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a wire frame into an envelope. Frames that are
// empty, unparsable, or missing a payload are rejected; receivers drop
// such frames with a warning and no retry.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, ErrEnvelopeEmpty
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrEnvelopeMalformed, err)
	}

	if len(env.Payload) == 0 {
		return Envelope{}, ErrEnvelopeNoPayload
	}

	return env, nil
}
