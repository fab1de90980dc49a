package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks an envelope that cannot be decoded into a known message.
var ErrMalformed = errors.New("malformed envelope")

// UnknownKindError is returned by Decode for a well-formed envelope whose
// kind this node does not understand. It wraps ErrMalformed.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown message kind %q", e.Kind)
}

func (e *UnknownKindError) Unwrap() error { return ErrMalformed }

type envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

type decoder struct {
	required []string
	decode   func(json.RawMessage) (Message, error)
}

// decoders maps every kind to its body fields that must be present and the
// concrete variant it decodes into.
var decoders = map[Kind]decoder{
	KindChat:             {[]string{"from_id", "text"}, decodeBody[Chat]},
	KindFileListRequest:  {nil, decodeBody[FileListRequest]},
	KindFileListResponse: {[]string{"files"}, decodeBody[FileListResponse]},
	KindPieceRequest:     {[]string{"file_id", "index"}, decodeBody[PieceRequest]},
	KindPieceResponse:    {[]string{"file_id", "index", "data"}, decodeBody[PieceResponse]},
	KindError:            {[]string{"code", "reason"}, decodeBody[Error]},
}

// Encode serializes msg into an envelope payload.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Kind: msg.Kind(), Body: body})
}

// Decode parses an envelope payload into its message variant.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}

	dec, ok := decoders[env.Kind]
	if !ok {
		return nil, &UnknownKindError{Kind: env.Kind}
	}
	if len(env.Body) == 0 || bytes.Equal(env.Body, []byte("null")) {
		env.Body = []byte("{}")
	}
	if err := requireFields(env.Body, dec.required); err != nil {
		return nil, malformed(env.Kind, err)
	}

	msg, err := dec.decode(env.Body)
	if err != nil {
		return nil, malformed(env.Kind, err)
	}
	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

func decodeBody[T Message](body json.RawMessage) (Message, error) {
	var m T
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func malformed(kind Kind, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
}

func requireFields(body json.RawMessage, fields []string) error {
	var present map[string]json.RawMessage
	if err := json.Unmarshal(body, &present); err != nil {
		return fmt.Errorf("body is not an object: %v", err)
	}
	for _, name := range fields {
		if _, ok := present[name]; !ok {
			return fmt.Errorf("missing field %q", name)
		}
	}
	return nil
}
