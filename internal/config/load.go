package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds a validated Config from command-line arguments.
//
// Arguments are applied in order on top of Default():
//   - "path.yaml" or "--config=path.yaml" decodes a YAML file
//   - "--key=value" sets one key; value is parsed as a YAML scalar
//   - "--key" alone is "--key=true"
//
// Unknown keys are errors.
func Load(args []string) (*Config, error) {
	cfg := Default()
	for _, arg := range args {
		key, value, isFlag := parseArg(arg)
		switch {
		case !isFlag:
			if err := cfg.applyFile(arg); err != nil {
				return nil, err
			}
		case key == "config":
			if err := cfg.applyFile(value); err != nil {
				return nil, err
			}
		default:
			if err := cfg.Set(key, value); err != nil {
				return nil, err
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseArg splits "--key=value". Anything without the leading dashes is a
// file path.
func parseArg(arg string) (key, value string, isFlag bool) {
	rest, ok := strings.CutPrefix(arg, "--")
	if !ok {
		return "", "", false
	}
	key, value, found := strings.Cut(rest, "=")
	if !found {
		value = "true"
	}
	return key, value, true
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path) //nolint:gosec // G304: config path from the command line
	if err != nil {
		return fmt.Errorf("%w: failed to open config file: %w", ErrInvalid, err)
	}
	defer func() { _ = f.Close() }()

	if err := decodeStrict(f, c); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	return nil
}

// Set overrides one key. The value is typed by YAML scalar resolution, so
// "8" sets an int, "3e-4" a float and "false" a bool. An empty value sets a
// string key to "".
func (c *Config) Set(key, value string) error {
	if key == "" {
		return &FieldError{Key: "--", Reason: "empty key"}
	}
	val := &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	if value == "" {
		// A bare empty scalar resolves to null, which leaves the field as is.
		val.Tag = "!!str"
		val.Style = yaml.DoubleQuotedStyle
	}
	doc := &yaml.Node{
		Kind:    yaml.MappingNode,
		Content: []*yaml.Node{{Kind: yaml.ScalarNode, Value: key}, val},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return &FieldError{Key: key, Reason: err.Error()}
	}
	if err := decodeStrict(bytes.NewReader(data), c); err != nil {
		return &FieldError{Key: key, Reason: err.Error()}
	}
	return nil
}

func decodeStrict(r io.Reader, v any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
