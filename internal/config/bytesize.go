package config

import "github.com/dustin/go-humanize"

// ByteSize is a uint64 byte count that unmarshals from both plain numbers and
// human-friendly strings ("512M", "2GiB", "100kb") per spec §6's size-string
// rule. It delegates to go-humanize, which already accepts the required
// K/M/G magnitude prefixes with an optional case-insensitive b/B suffix.
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *ByteSize) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		var n uint64
		if numErr := unmarshal(&n); numErr != nil {
			return err
		}
		*s = ByteSize(n)
		return nil
	}
	value, err := humanize.ParseBytes(raw)
	if err != nil {
		return err
	}
	*s = ByteSize(value)
	return nil
}
