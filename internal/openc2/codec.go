package openc2

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// DecodeCommand reads a single bare command object from r.
// Unknown top-level fields are rejected and the result is validated.
func DecodeCommand(r io.Reader) (*Command, error) {
	var cmd Command

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(&cmd); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty command body", ErrMalformedCommand)
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("%w: trailing data after command", ErrMalformedCommand)
	}

	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// DecodeCommandBytes is DecodeCommand over an in-memory body.
func DecodeCommandBytes(data []byte) (*Command, error) {
	return DecodeCommand(bytes.NewReader(data))
}
