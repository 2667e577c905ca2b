// Package diag implements the structured logging service every node
// opens at startup: a Config{File,Level,Encoding} shape decoded from
// TOML/environment, built into a *zap.Logger over the
// zapcore.NewCore/zap.New API, behind a zap.AtomicLevel so SetLevel
// can change verbosity on a running process without restarting it.
// Config carries a STDOUT/STDERR/path-shaped File value and a
// logfmt-or-json Encoding choice.
package diag

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls where and how a node logs, decoded from the
// top-level config's `[logging]` table (spec.md's ambient stack:
// logging is carried regardless of which feature Non-goals exclude).
type Config struct {
	File     string `toml:"file"`
	Level    string `toml:"level"`
	Encoding string `toml:"encoding"`
}

// NewConfig returns logging defaults: INFO level, logfmt to stderr.
func NewConfig() Config {
	return Config{File: "STDERR", Level: "INFO", Encoding: "logfmt"}
}

// Service owns the process's root logger and its runtime-adjustable
// level (Root/Writer/SetLevel).
type Service struct {
	c      Config
	level  zap.AtomicLevel
	root   *zap.Logger
	closer func() error
}

func NewService(c Config) *Service {
	return &Service{c: c, level: zap.NewAtomicLevel()}
}

// Open resolves the configured output and encoding and builds the
// root logger. Call once at node startup.
func (s *Service) Open() error {
	var output zapcore.WriteSyncer
	switch s.c.File {
	case "", "STDERR":
		output = zapcore.AddSync(os.Stderr)
	case "STDOUT":
		output = zapcore.AddSync(os.Stdout)
	default:
		f, err := os.OpenFile(s.c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return err
		}
		output = zapcore.AddSync(f)
		s.closer = f.Close
	}

	if err := s.SetLevel(s.c.Level); err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch s.c.Encoding {
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "logfmt", "":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("diag: unknown log encoding %q", s.c.Encoding)
	}

	core := zapcore.NewCore(encoder, output, s.level)
	s.root = zap.New(core)
	return nil
}

// Root returns the process-wide root logger. Components derive
// tagged children from it with Root().With(zap.String("component", name)),
// one root with many Named children.
func (s *Service) Root() *zap.Logger {
	if s.root == nil {
		return zap.NewNop()
	}
	return s.root
}

// SetLevel changes the minimum level the root logger (and every
// derived child) emits, taking effect immediately since it shares one
// zap.AtomicLevel.
func (s *Service) SetLevel(level string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("diag: unknown logging level %q", level)
	}
	s.level.SetLevel(l)
	return nil
}

// Close flushes and releases the underlying log file, if any.
func (s *Service) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
