package config

import (
	"time"

	"github.com/vinayprograms/relay/errors"
)

// Duration is a time.Duration written as a string ("5s", "1m30s") in TOML.
type Duration struct {
	time.Duration
}

// Dur wraps d.
func Dur(d time.Duration) Duration { return Duration{d} }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "invalid duration "+string(text))
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
