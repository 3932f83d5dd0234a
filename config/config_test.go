package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadConfigFile_MissingFileIsIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfigFile = filepath.Join(t.TempDir(), "missing.conf")
	_, err := ReadConfigFile(cfg)
	require.NoError(t, err)
}

func TestReadConfigFile_AppliesValues(t *testing.T) {
	req := require.New(t)
	cfgFile := filepath.Join(t.TempDir(), "cotrain.conf")
	req.NoError(os.WriteFile(cfgFile, []byte("datadir = /tmp/rounds\nbucket = custom\n"), 0o600))

	cfg := DefaultConfig()
	cfg.ConfigFile = cfgFile
	cfg, err := ReadConfigFile(cfg)
	req.NoError(err)
	req.Equal("/tmp/rounds", cfg.DataDir)
	req.Equal("custom", cfg.Bucket)
}

func TestReadConfigFile_MalformedFile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "cotrain.conf")
	require.NoError(t, os.WriteFile(cfgFile, []byte("datadir\n===\n"), 0o600))

	cfg := DefaultConfig()
	cfg.ConfigFile = cfgFile
	_, err := ReadConfigFile(cfg)
	require.Error(t, err)
}

func TestSetupConfig(t *testing.T) {
	req := require.New(t)
	base := filepath.Join(t.TempDir(), "cotrain")

	cfg := DefaultConfig()
	cfg.CotrainDir = base
	cfg, err := SetupConfig(cfg)
	req.NoError(err)

	req.Equal(filepath.Join(base, "data"), cfg.DataDir)
	req.Equal(filepath.Join(base, "logs"), cfg.LogDir)
	req.Equal(cfg.DataDir, cfg.Round.DataDir)
	req.DirExists(cfg.DataDir)
	req.DirExists(cfg.LogDir)
}
