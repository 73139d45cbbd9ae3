package messaging

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Status is the lifecycle state an envelope reports.
type Status string

const (
	StatusPending   Status = "pending"
	StatusHealthy   Status = "healthy"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// Envelope is the uniform routing and payload record passed between the
// supervisor and its worker processes. Unknown fields are tolerated in
// both directions so old and new workers can interoperate.
type Envelope struct {
	MessageID   string          `json:"message_id"`
	Status      Status          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	Destination []string        `json:"destination"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message id. The payload is
// serialized immediately so a mutated source value cannot leak into an
// already-routed message.
func NewEnvelope(status Status, destination []string, data any) (Envelope, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Envelope{}, fmt.Errorf("generating message id: %w", err)
	}

	var raw json.RawMessage
	if data != nil {
		raw, err = json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding envelope data: %w", err)
		}
	}

	return Envelope{
		MessageID:   id.String(),
		Status:      status,
		Destination: destination,
		Data:        raw,
	}, nil
}

// Reply builds a response envelope that keeps the message id of the
// request, so the requester can correlate it.
func (e Envelope) Reply(status Status, destination []string, data any) (Envelope, error) {
	out, err := NewEnvelope(status, destination, data)
	if err != nil {
		return Envelope{}, err
	}
	out.MessageID = e.MessageID
	return out, nil
}

// WithReason returns a copy of the envelope carrying a reason code.
func (e Envelope) WithReason(reason string) Envelope {
	e.Reason = reason
	return e
}

// DecodeData unmarshals the envelope payload into T.
func DecodeData[T any](e Envelope) (T, error) {
	var out T
	if len(e.Data) == 0 {
		return out, fmt.Errorf("envelope %s has no data", e.MessageID)
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("decoding envelope %s data: %w", e.MessageID, err)
	}
	return out, nil
}

// Destination is a parsed routing path of form
// <WorkerName>/<Method>[/<Param>].
type Destination struct {
	Worker string
	Method string
	Param  string
}

// ParseDestination splits a routing path. The param segment may itself
// contain slashes; everything past the second separator is kept intact.
func ParseDestination(path string) (Destination, error) {
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Destination{}, fmt.Errorf("malformed destination path %q", path)
	}
	d := Destination{Worker: parts[0], Method: parts[1]}
	if len(parts) == 3 {
		d.Param = parts[2]
	}
	return d, nil
}

// FirstDestination parses the leading routing path of the envelope,
// which determines the target worker class.
func (e Envelope) FirstDestination() (Destination, error) {
	if len(e.Destination) == 0 {
		return Destination{}, fmt.Errorf("envelope %s has no destination", e.MessageID)
	}
	return ParseDestination(e.Destination[0])
}

// String renders the destination back into path form.
func (d Destination) String() string {
	if d.Param != "" {
		return d.Worker + "/" + d.Method + "/" + d.Param
	}
	return d.Worker + "/" + d.Method
}
