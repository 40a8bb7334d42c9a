package config

import (
	"github.com/inhies/go-bytesize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Size is a byte count written as a plain integer or a human string such as "64KB".
type Size int

func ParseSize(s string) (Size, error) {
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, errors.Wrapf(err, "size %q", s)
	}
	return Size(b), nil
}

func (s Size) String() string {
	return bytesize.New(float64(s)).String()
}

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		var n int
		if err := node.Decode(&n); err != nil {
			return err
		}
		*s = Size(n)
		return nil
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Set and Type make Size a pflag.Value.
func (s *Size) Set(v string) error {
	parsed, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s *Size) Type() string {
	return "size"
}
