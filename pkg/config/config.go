package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at the given path into conf.
//
// Unknown fields are rejected. If expandEnv is true, references to
// environment variables such as '$VAR' or '${VAR}' are replaced with their
// value, where '${VAR:default}' uses 'default' if VAR is unset.
func Load(conf interface{}, path string, expandEnv bool) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %s: %w", path, err)
	}

	if expandEnv {
		buf = []byte(os.Expand(string(buf), lookupEnv))
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	if err := dec.Decode(conf); err != nil {
		return fmt.Errorf("parse config: %s: %w", path, err)
	}

	return nil
}

func lookupEnv(s string) string {
	name, defaultValue, hasDefault := strings.Cut(s, ":")
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	if hasDefault {
		return defaultValue
	}
	return ""
}
