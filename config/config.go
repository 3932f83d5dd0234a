// Package config loads the coordinator's configuration from defaults, an ini
// file and command line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/fedmesh/cotrain/orchestrator"
)

const (
	defaultConfigFilename = "cotrain.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "cotrain.log"

	defaultGatewayEndpoint = "http://localhost:5001"
	defaultStoreEndpoint   = "http://localhost:8081"
	defaultRelayEndpoint   = "http://localhost:7546"
	defaultMirrorEndpoint  = "https://testnet.mirrornode.hedera.com"

	defaultBucket           = "training-rounds"
	defaultAssemblyInterval = 5 * time.Second
)

var (
	defaultCotrainDir = cotrainDir()
	defaultConfigFile = filepath.Join(defaultCotrainDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultCotrainDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultCotrainDir, defaultLogDirname)
)

func cotrainDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cotrain")
}

// Config defines the configuration options for the coordinator.
//
// See ReadConfigFile and SetupConfig for the loading+parsing process.
type Config struct {
	CotrainDir string `long:"cotraindir" description:"The base directory that contains the coordinator's data, logs and configuration file"`
	ConfigFile string `short:"c" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store round data within"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLog   bool   `long:"debuglog" description:"Enable debug logs"`
	JSONLog    bool   `long:"jsonlog" description:"Whether to log in JSON format"`

	GatewayEndpoint string `long:"gateway" description:"P2P network gateway command endpoint"`
	StoreEndpoint   string `long:"store" description:"Object store gateway endpoint"`
	RelayEndpoint   string `long:"relay" description:"Transaction signer relay endpoint"`
	MirrorEndpoint  string `long:"mirror" description:"Ledger mirror REST endpoint"`

	ContractID string `long:"contract" description:"Escrow contract id"`
	Bucket     string `long:"bucket" description:"Object store bucket for round assets"`

	AssemblyInterval time.Duration `long:"assembly-interval" description:"How often the network is polled while a round assembles"`

	MetricsAddr string `long:"metrics" description:"Address to expose prometheus metrics on (empty to disable)"`

	Round *orchestrator.Config `group:"Round" namespace:"round"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	round := orchestrator.DefaultConfig()
	return &Config{
		CotrainDir:       defaultCotrainDir,
		ConfigFile:       defaultConfigFile,
		DataDir:          defaultDataDir,
		LogDir:           defaultLogDir,
		GatewayEndpoint:  defaultGatewayEndpoint,
		StoreEndpoint:    defaultStoreEndpoint,
		RelayEndpoint:    defaultRelayEndpoint,
		MirrorEndpoint:   defaultMirrorEndpoint,
		Bucket:           defaultBucket,
		AssemblyInterval: defaultAssemblyInterval,
		Round:            &round,
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads values from a conf file. A missing file is not an
// error; a malformed one is.
func ReadConfigFile(preCfg *Config) (*Config, error) {
	preCfg.CotrainDir = cleanAndExpandPath(preCfg.CotrainDir)
	preCfg.ConfigFile = cleanAndExpandPath(preCfg.ConfigFile)
	if preCfg.CotrainDir != defaultCotrainDir && preCfg.ConfigFile == defaultConfigFile {
		preCfg.ConfigFile = filepath.Join(preCfg.CotrainDir, defaultConfigFilename)
	}

	if err := flags.IniParse(preCfg.ConfigFile, preCfg); err != nil {
		var iniError *flags.IniError
		if errors.As(err, &iniError) {
			return nil, err
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return preCfg, nil
}

// SetupConfig initializes the filesystem layout and resolves derived paths.
func SetupConfig(cfg *Config) (*Config, error) {
	if cfg.CotrainDir != defaultCotrainDir {
		cfg.DataDir = filepath.Join(cfg.CotrainDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(cfg.CotrainDir, defaultLogDirname)
	}

	if err := os.MkdirAll(cfg.CotrainDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cotrain directory: %w", err)
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	// The round lifecycle keeps its key material under the data directory.
	cfg.Round.DataDir = cfg.DataDir

	return cfg, nil
}

// LogFile returns the path the rotated log file is written to.
func (cfg *Config) LogFile() string {
	return filepath.Join(cfg.LogDir, defaultLogFilename)
}

// DBDir returns the directory holding the round history database.
func (cfg *Config) DBDir() string {
	return filepath.Join(cfg.DataDir, "db")
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.Getenv("HOME")
		}
		path = strings.Replace(path, "~", home, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
