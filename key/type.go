// Package key provides symmetric key management with encryption, decryption,
// key wrapping, rotation, and JSON serialization. Organization keys are
// wrapped under the process master key using this package.
package key

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type represents the key type.
type Type int

const (
	Symmetric Type = iota
	Master
	Organization
)

// ErrUnknownType is returned when an unrecognized key type is encountered.
var ErrUnknownType = errors.New("unknown key type")

func (t Type) String() string {
	switch t {
	case Symmetric:
		return "Symmetric"
	case Master:
		return "Master"
	case Organization:
		return "Organization"
	default:
		return "Unknown"
	}
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unmarshaling key type: %w", err)
	}

	switch s {
	case "Symmetric":
		*t = Symmetric
	case "Master":
		*t = Master
	case "Organization":
		*t = Organization
	default:
		return ErrUnknownType
	}

	return nil
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}
