// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformedFrame is returned for frames that are not JSON objects
	// with a type discriminator.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownType is returned for a type outside the closed set.
	ErrUnknownType = errors.New("unknown message type")

	// ErrInvalidPayload is returned when a known type fails validation.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrMissingActor is returned when a frame that must name its
	// originating actor does not.
	ErrMissingActor = errors.New("missing originating actor")
)

// MaxFrameBytes bounds a single frame on any channel.
const MaxFrameBytes = 1 << 20

// protocolValidate is shared by collaboration and run-event decoding.
var protocolValidate = validator.New()

// checker is implemented by variants with cross-field rules validator tags
// cannot express.
type checker interface {
	check() error
}

var messageConstructors = map[MessageType]func() Message{
	TypeJoin:       func() Message { return &Join{} },
	TypeLeave:      func() Message { return &Leave{} },
	TypePresence:   func() Message { return &Presence{} },
	TypeCursorMove: func() Message { return &CursorMove{} },
	TypeSelection:  func() Message { return &Selection{} },
	TypeDocSync:    func() Message { return &DocSync{} },
	TypeDocEdit:    func() Message { return &DocEdit{} },
	TypeDocSave:    func() Message { return &DocSave{} },
	TypeCanvasSync: func() Message { return &CanvasSync{} },
	TypeNodeCreate: func() Message { return &NodeCreate{} },
	TypeNodeUpdate: func() Message { return &NodeUpdate{} },
	TypeNodeDelete: func() Message { return &NodeDelete{} },
	TypeNodeMove:   func() Message { return &NodeMove{} },
	TypeEdgeCreate: func() Message { return &EdgeCreate{} },
	TypeEdgeDelete: func() Message { return &EdgeDelete{} },
	TypeError:      func() Message { return &ErrorMessage{} },
	TypeAck:        func() Message { return &Ack{} },
}

// Decode parses a frame delivered to a client.
//
// # Description
//
// Resolves the "type" discriminator to its variant, unmarshals the frame
// into it, validates the payload, and requires an originating actor for
// every type except presence, error, and ack.
//
// # Outputs
//
//   - Message: The typed frame.
//   - error: Wraps ErrMalformedFrame, ErrUnknownType, ErrInvalidPayload,
//     or ErrMissingActor.
//
// # Examples
//
//	msg, err := protocol.Decode(frame)
//	if err != nil {
//	    logger.Warn("dropping frame", "error", err)
//	    return
//	}
//	switch m := msg.(type) {
//	case *protocol.NodeMove:
//	    ...
//	}
func Decode(frame []byte) (Message, error) {
	return decodeMessage(frame, true)
}

// DecodeClientFrame parses a frame received by the hub. The actor and
// timestamp are not required because the hub assigns both.
func DecodeClientFrame(frame []byte) (Message, error) {
	return decodeMessage(frame, false)
}

func decodeMessage(frame []byte, requireActor bool) (Message, error) {
	kind, err := probeType(frame)
	if err != nil {
		return nil, err
	}
	ctor, ok := messageConstructors[MessageType(kind)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
	msg := ctor()
	if err := json.Unmarshal(frame, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, kind, err)
	}
	if err := validatePayload(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	if requireActor && RequiresActor(msg.Type()) && msg.Actor() == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingActor, kind)
	}
	return msg, nil
}

// Encode serializes m with its type discriminator set.
func Encode(m Message) ([]byte, error) {
	m.header().Kind = m.Type()
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return data, nil
}

// MustEncode is Encode for frames built from trusted values.
func MustEncode(m Message) []byte {
	data, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return data
}

// Validate applies the decode-boundary payload rules to a locally built
// message.
func Validate(m Message) error {
	if err := validatePayload(m); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Type(), err)
	}
	return nil
}

func probeType(frame []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return probe.Type, nil
}

func validatePayload(v any) error {
	if err := protocolValidate.Struct(v); err != nil {
		return err
	}
	if c, ok := v.(checker); ok {
		return c.check()
	}
	return nil
}
