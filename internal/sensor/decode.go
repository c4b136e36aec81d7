package sensor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrInvalidText marks a payload that is not valid UTF-8.
var ErrInvalidText = errors.New("payload is not valid UTF-8 text")

// ErrNotFinite marks a payload that parses to NaN or an infinity.
var ErrNotFinite = errors.New("value is not a finite number")

// DecodeError reports a characteristic payload that could not be decoded.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode payload %q: %v", e.Raw, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder turns a raw characteristic value into a number.
type Decoder func(raw []byte) (float64, error)

// DecodePrice parses a price sent as the text of a decimal floating-point
// literal, e.g. "2.55". Surrounding whitespace is ignored.
func DecodePrice(raw []byte) (float64, error) {
	if !utf8.Valid(raw) {
		return 0, &DecodeError{Raw: copyPayload(raw), Err: ErrInvalidText}
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, &DecodeError{Raw: copyPayload(raw), Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &DecodeError{Raw: copyPayload(raw), Err: ErrNotFinite}
	}
	return v, nil
}

// copyPayload copies raw, keeping an empty payload distinct from a missing one.
func copyPayload(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	c := make([]byte, len(raw))
	copy(c, raw)
	return c
}
