package qrtoken

import (
	"errors"
	"fmt"

	"github.com/eclinic/qrid/internal/domain/entityid"
)

// Construction errors. All are recoverable by correcting the input.
var (
	ErrInvalidIdentifier          = entityid.ErrInvalidIdentifier
	ErrIncompleteEmergencyProfile = errors.New("emergency profile requires blood group and emergency contact")
	ErrIncompleteRecord           = errors.New("record requires a non-empty, path-safe record id")
	ErrInvalidTTL                 = errors.New("ttl must be greater than zero")
)

// Decode errors. Each maps to its own ErrorKind.
var (
	ErrMalformedIdentifier = errors.New("malformed identifier")
	ErrUnrecognizedFormat  = errors.New("unrecognized code format")
	ErrUnknownPayloadShape = errors.New("unknown payload shape")
	ErrTokenExpired        = errors.New("token expired")
)

// ErrorKind classifies a decode failure so callers can show a specific
// message instead of a generic "invalid QR".
type ErrorKind string

const (
	KindMalformedIdentifier ErrorKind = "malformed_identifier"
	KindUnrecognizedFormat  ErrorKind = "unrecognized_format"
	KindUnknownPayloadShape ErrorKind = "unknown_payload_shape"
	KindTokenExpired        ErrorKind = "token_expired"
)

var kindSentinels = map[ErrorKind]error{
	KindMalformedIdentifier: ErrMalformedIdentifier,
	KindUnrecognizedFormat:  ErrUnrecognizedFormat,
	KindUnknownPayloadShape: ErrUnknownPayloadShape,
	KindTokenExpired:        ErrTokenExpired,
}

// Message returns the end-user text for the kind.
func (k ErrorKind) Message() string {
	switch k {
	case KindMalformedIdentifier:
		return "The code's identifier is broken or does not belong to this record type."
	case KindUnrecognizedFormat:
		return "The code format is not recognised."
	case KindUnknownPayloadShape:
		return "The code belongs to an unsupported record type."
	case KindTokenExpired:
		return "The code has expired. Ask for a new one."
	default:
		return "The code could not be read."
	}
}

// DecodeError is returned by Codec.Decode for every rejected input.
type DecodeError struct {
	Kind ErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode qr token: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(kind ErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{
		Kind: kind,
		Err:  fmt.Errorf("%w: "+format, append([]any{kindSentinels[kind]}, args...)...),
	}
}

// KindOf extracts the ErrorKind from err, or "" when err is not a decode
// error.
func KindOf(err error) ErrorKind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
