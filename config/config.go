// Package config implements the ambient configuration layer: a TOML
// file decoded with github.com/BurntSushi/toml, then overridden by the
// SKITTER_* environment variables spec.md §6 requires every deployment
// to honor.
//
// Config is a struct of sub-configs, decoded in one pass and then
// walked by reflection to apply SKITTER_* environment overrides on top
// of whatever TOML decoded, keyed off each field's toml tag. The
// top-level SKITTER_MODE/NODENAME/COOKIE/WORKERS/TAGS variables named
// explicitly by spec.md are layered on top of that generic walk since
// they address fields with no natural one-to-one toml tag (WORKERS/TAGS
// are comma-separated lists, not TOML-array syntax).
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/softwarelanguageslab/skitter/diag"
	"github.com/softwarelanguageslab/skitter/metrics"
)

// Mode selects which of the three roles spec.md §6 names a process runs as.
type Mode string

const (
	ModeMaster Mode = "master"
	ModeWorker Mode = "worker"
	ModeLocal  Mode = "local"
)

// Config is the full process configuration: one struct decoded from
// TOML, then overridden by environment.
type Config struct {
	Mode     Mode   `toml:"mode"`
	NodeName string `toml:"nodename"`
	Cookie   string `toml:"cookie"`
	Listen   string `toml:"listen"`

	// Master is the dial address of the master a worker joins
	// (SKITTER_MASTER); unused in master/local mode.
	Master string `toml:"master"`

	// Status is the HTTP listen address for the master's read-only
	// deployment status surface (/deployments, /deployments/{ref});
	// unused in worker mode.
	Status string `toml:"status"`

	Workers []string `toml:"workers"`
	Tags    []string `toml:"tags"`

	DataDir string `toml:"data_dir"`

	Logging diag.Config    `toml:"logging"`
	Metrics metrics.Config `toml:"metrics"`
}

// NewConfig returns a Config with reasonable defaults, seeded before
// any file or environment is applied.
func NewConfig() *Config {
	return &Config{
		Mode:     ModeLocal,
		NodeName: "localhost",
		Listen:   ":7946",
		Status:   ":7947",
		DataDir:  "data",
		Logging:  diag.NewConfig(),
		Metrics:  metrics.NewConfig(),
	}
}

// Parse decodes a TOML file at path into c. A missing path is not an
// error -- callers fall back to defaults plus environment, so a whole
// deployment can be configured from the environment alone.
func (c *Config) Parse(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	_, err := toml.DecodeFile(path, c)
	return err
}

// Validate checks the invariants the CLI layer needs before starting a
// node, returning an error that maps to exit code 64 (invalid
// configuration) per spec.md §6.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeMaster, ModeWorker, ModeLocal:
	default:
		return fmt.Errorf("invalid SKITTER_MODE %q, want master, worker or local", c.Mode)
	}
	if c.NodeName == "" {
		return fmt.Errorf("must configure a node name")
	}
	if c.Mode == ModeMaster && len(c.Workers) == 0 {
		return fmt.Errorf("master mode requires at least one entry in SKITTER_WORKERS")
	}
	if c.Mode == ModeWorker && c.Master == "" {
		return fmt.Errorf("worker mode requires SKITTER_MASTER to be set")
	}
	return nil
}

// ApplyEnvOverrides layers the SKITTER_* environment on top of
// whatever Parse already decoded. Callers run Parse then
// ApplyEnvOverrides, in that order.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("SKITTER_MODE"); v != "" {
		c.Mode = Mode(v)
	}
	if v := os.Getenv("SKITTER_NODENAME"); v != "" {
		c.NodeName = v
	}
	if v := os.Getenv("SKITTER_COOKIE"); v != "" {
		c.Cookie = v
	}
	if v := os.Getenv("SKITTER_MASTER"); v != "" {
		c.Master = v
	}
	if v := os.Getenv("SKITTER_STATUS"); v != "" {
		c.Status = v
	}
	if v := os.Getenv("SKITTER_WORKERS"); v != "" {
		c.Workers = splitList(v)
	}
	if v := os.Getenv("SKITTER_TAGS"); v != "" {
		c.Tags = splitList(v)
	}
	return applyEnvOverridesToStruct("SKITTER", reflect.ValueOf(c).Elem())
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyEnvOverridesToStruct walks s's toml-tagged fields, recursing
// into nested config structs (diag.Config, metrics.Config) to apply
// their own environment overrides.
func applyEnvOverridesToStruct(prefix string, s reflect.Value) error {
	t := s.Type()
	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		if !f.CanSet() {
			continue
		}
		tag := t.Field(i).Tag.Get("toml")
		if tag == "" || tag == "-" {
			continue
		}
		key := strings.ToUpper(prefix + "_" + strings.ReplaceAll(tag, "-", "_"))
		if f.Kind() == reflect.Struct {
			if err := applyEnvOverridesToStruct(key, f); err != nil {
				return err
			}
			continue
		}
		value := os.Getenv(key)
		if value == "" {
			continue
		}
		if err := setScalar(f, key, value); err != nil {
			return err
		}
	}
	return nil
}

func setScalar(f reflect.Value, key, value string) error {
	switch f.Kind() {
	case reflect.String:
		f.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 0, f.Type().Bits())
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		f.SetInt(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(value, f.Type().Bits())
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		f.SetFloat(n)
	}
	return nil
}
