package diag_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/softwarelanguageslab/skitter/diag"
)

func TestOpenDefaultsToStderr(t *testing.T) {
	s := diag.NewService(diag.NewConfig())
	require.NoError(t, s.Open())
	defer s.Close()
	log := s.Root()
	require.NotNil(t, log)
	log.Info("hello")
}

func TestSetLevelRejectsUnknown(t *testing.T) {
	s := diag.NewService(diag.NewConfig())
	require.NoError(t, s.Open())
	defer s.Close()
	require.Error(t, s.SetLevel("not-a-level"))
}

func TestSetLevelAppliesImmediately(t *testing.T) {
	s := diag.NewService(diag.Config{File: "STDERR", Level: "INFO", Encoding: "json"})
	require.NoError(t, s.Open())
	defer s.Close()
	require.True(t, s.Root().Core().Enabled(zapcore.InfoLevel))
	require.NoError(t, s.SetLevel("error"))
	require.False(t, s.Root().Core().Enabled(zapcore.InfoLevel))
}
