package eventbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the envelope type discriminator used to route envelopes.
type Kind string

const (
	// Any is the reserved wildcard topic; its listeners receive every envelope.
	Any Kind = "*"

	KindProgressUpdate Kind = "progress_update"
	KindReportCreated  Kind = "report_created"
	KindReportUpdated  Kind = "report_updated"
	KindReportDeleted  Kind = "report_deleted"
)

// Known lists the envelope kinds the report server is documented to send.
var Known = []Kind{KindProgressUpdate, KindReportCreated, KindReportUpdated, KindReportDeleted}

// Envelope is one decoded server push: {"type": ..., "data": ...}.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// ID is the SSE event id of the frame that carried the envelope, if any.
	ID string `json:"-"`
}

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrMissingType = errors.New("envelope has no type")
)

// Decode parses a frame payload into an Envelope.
//
// fallbackType is used when the JSON carries no "type" (servers that route by
// the SSE event name); in that case the whole document becomes Data.
func Decode(payload []byte, fallbackType string) (Envelope, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Envelope{}, ErrEmptyFrame
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		if fallbackType != "" && json.Valid(payload) {
			return Envelope{Type: Kind(fallbackType), Data: append(json.RawMessage(nil), payload...)}, nil
		}
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env.Type = Kind(strings.TrimSpace(string(env.Type)))
	if env.Type == "" {
		if fallbackType == "" {
			return Envelope{}, ErrMissingType
		}
		return Envelope{Type: Kind(fallbackType), Data: append(json.RawMessage(nil), payload...)}, nil
	}
	return env, nil
}
