package config

import (
	"encoding/json"
	"strconv"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/vladgaus/lsmkv/pkg/errors"
)

// ByteSize is a size in bytes. It decodes from plain integers or from
// strings such as "64MiB" or "10 MB". It encodes losslessly, using the
// largest IEC unit that divides it.
type ByteSize uint64

// Size units.
const (
	KiB ByteSize = 1 << 10
	MiB ByteSize = 1 << 20
	GiB ByteSize = 1 << 30
)

// ParseByteSize parses a size string.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInvalidArgument, "invalid size %q", s)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func (b ByteSize) exact() string {
	for _, u := range []struct {
		size ByteSize
		name string
	}{{GiB, "GiB"}, {MiB, "MiB"}, {KiB, "KiB"}} {
		if b >= u.size && b%u.size == 0 {
			return strconv.FormatUint(uint64(b/u.size), 10) + u.name
		}
	}
	return strconv.FormatUint(uint64(b), 10)
}

// Int64 returns the size as an int64.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.exact(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Wrapf(errors.ErrInvalidArgument, "line %d: size must be a scalar", node.Line)
	}
	v, err := parseScalar(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*b = v
	return nil
}

// MarshalJSON implements json.Marshaler.
func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.exact())
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		s = string(data)
	}
	v, err := parseScalar(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Set implements pflag.Value so sizes can be given on the command line.
func (b *ByteSize) Set(s string) error {
	v, err := parseScalar(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Type implements pflag.Value.
func (b *ByteSize) Type() string {
	return "size"
}

func parseScalar(s string) (ByteSize, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	return ParseByteSize(s)
}
