// Package wire implements the JSON-object envelope used on the drone
// control multicast socket.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a datagram cannot be decoded into a
// valid envelope. Callers should drop the datagram and keep listening.
var ErrMalformed = errors.New("wire: malformed envelope")

// ErrTooLarge is returned by Encode when the serialized envelope would
// exceed the configured max datagram size.
var ErrTooLarge = errors.New("wire: envelope exceeds max datagram size")

// Envelope is the only object that crosses the wire. Kinds beginning
// with "!" are control messages (!whois, !assign, !reset); all other
// kinds are application commands and their replies (status, accept,
// unsupported).
type Envelope struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Type string          `json:"type"`
	Seq  uint32          `json:"seq"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IsControl reports whether the envelope's type is a control message.
func (e Envelope) IsControl() bool {
	return strings.HasPrefix(e.Type, "!")
}

// Encode serializes an envelope, enforcing maxDatagram. data may be nil,
// in which case the "data" key is omitted.
func Encode(e Envelope, maxDatagram int) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	if maxDatagram > 0 && len(b) > maxDatagram {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(b), maxDatagram)
	}
	return b, nil
}

// Decode parses a datagram into an envelope. It fails if the datagram
// exceeds maxDatagram, if the JSON is invalid, or if from/to/type/seq
// is missing. Unknown top-level keys are tolerated.
func Decode(b []byte, maxDatagram int) (Envelope, error) {
	if maxDatagram > 0 && len(b) > maxDatagram {
		return Envelope{}, fmt.Errorf("%w: datagram %d bytes exceeds max %d", ErrMalformed, len(b), maxDatagram)
	}

	var raw struct {
		From *string         `json:"from"`
		To   *string         `json:"to"`
		Type *string         `json:"type"`
		Seq  *uint32         `json:"seq"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.From == nil || raw.To == nil || raw.Type == nil || raw.Seq == nil {
		return Envelope{}, fmt.Errorf("%w: missing required field", ErrMalformed)
	}
	if *raw.From == "" || *raw.To == "" || *raw.Type == "" {
		return Envelope{}, fmt.Errorf("%w: empty required field", ErrMalformed)
	}

	return Envelope{
		From: *raw.From,
		To:   *raw.To,
		Type: *raw.Type,
		Seq:  *raw.Seq,
		Data: raw.Data,
	}, nil
}

// StatusPayload is the conventional "data" shape of a status reply.
type StatusPayload struct {
	Code   int    `json:"code"`
	ErrStr string `json:"errstr,omitempty"`
	Board  string `json:"board,omitempty"`
}

// DecodeStatus unmarshals an envelope's data as a StatusPayload. An
// envelope with no data decodes to a zero-value (success) payload.
func DecodeStatus(e Envelope) (StatusPayload, error) {
	var sp StatusPayload
	if len(e.Data) == 0 {
		return sp, nil
	}
	if err := json.Unmarshal(e.Data, &sp); err != nil {
		return sp, fmt.Errorf("wire: decode status payload: %w", err)
	}
	return sp, nil
}

// MustData marshals v into a json.RawMessage for use as Envelope.Data,
// panicking on failure since v is always a value the caller controls.
func MustData(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("wire: marshal data: %v", err))
	}
	return b
}
