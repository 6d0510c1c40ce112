// Package config loads the runtime-tunable sizing knobs that parameterize
// the storage core: buffer counts, block/page geometry, CPU count, and the
// per-transaction block budget. Precedence mirrors tk's config loading
// (defaults, then an optional project file, then CLI overrides), and the
// file format is JSONC read through hujson the same way, so comments and
// trailing commas are tolerated in a checked-in kcore.json.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	natomic "github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// ConfigFileName is the default project-local config file name.
const ConfigFileName = "kcore.json"

// Config holds every size knob the core is built from.
type Config struct {
	NCPU        int    `json:"ncpu"`
	NBuf        int    `json:"nbuf"`
	NBucket     int    `json:"nbucket"`
	PageSize    int    `json:"page_size"`    //nolint:tagliatelle
	BlockSize   int    `json:"block_size"`   //nolint:tagliatelle
	NumFrames   int    `json:"num_frames"`   //nolint:tagliatelle
	MaxOpBlocks int    `json:"max_op_blocks"` //nolint:tagliatelle
	DiskPath    string `json:"disk_path,omitempty"` //nolint:tagliatelle
}

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("failed to read config file")
	errConfigInvalid      = errors.New("invalid config")
)

// Default returns the out-of-the-box configuration: small enough to run
// quickly in tests, large enough to exercise stealing and eviction under a
// handful of concurrent operations.
func Default() Config {
	return Config{
		NCPU:        4,
		NBuf:        32,
		NBucket:     13,
		PageSize:    4096,
		BlockSize:   1024,
		NumFrames:   1024,
		MaxOpBlocks: 10,
		DiskPath:    "kcore.img",
	}
}

// Load resolves configuration with the following precedence (highest
// wins): defaults, an optional project file at workDir/kcore.json (or an
// explicit path when configPath is non-empty), then overrides.
//
// overrides is merged on top field-by-field: a zero value in overrides
// leaves the lower-precedence value in place, matching tk's CLI-override
// behavior of only stomping fields the caller actually set.
func Load(workDir, configPath string, overrides Config) (Config, error) {
	cfg := Default()

	fileCfg, path, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, err
	}
	_ = path

	cfg = merge(cfg, fileCfg)
	cfg = merge(cfg, overrides)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	cfgFile := configPath
	mustExist := configPath != ""

	if cfgFile == "" {
		cfgFile = filepath.Join(workDir, ConfigFileName)
	} else if !filepath.IsAbs(cfgFile) {
		cfgFile = filepath.Join(workDir, cfgFile)
	}

	data, err := os.ReadFile(cfgFile) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
			}
			return Config{}, "", nil
		}

		return Config{}, "", fmt.Errorf("%w: %s: %w", errConfigFileRead, cfgFile, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, "", fmt.Errorf("%w %s: %w", errConfigInvalid, cfgFile, err)
	}

	return cfg, cfgFile, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.NCPU != 0 {
		base.NCPU = overlay.NCPU
	}
	if overlay.NBuf != 0 {
		base.NBuf = overlay.NBuf
	}
	if overlay.NBucket != 0 {
		base.NBucket = overlay.NBucket
	}
	if overlay.PageSize != 0 {
		base.PageSize = overlay.PageSize
	}
	if overlay.BlockSize != 0 {
		base.BlockSize = overlay.BlockSize
	}
	if overlay.NumFrames != 0 {
		base.NumFrames = overlay.NumFrames
	}
	if overlay.MaxOpBlocks != 0 {
		base.MaxOpBlocks = overlay.MaxOpBlocks
	}
	if overlay.DiskPath != "" {
		base.DiskPath = overlay.DiskPath
	}

	return base
}

func validate(cfg Config) error {
	switch {
	case cfg.NCPU <= 0:
		return fmt.Errorf("%w: ncpu must be positive", errConfigInvalid)
	case cfg.NBuf <= 0:
		return fmt.Errorf("%w: nbuf must be positive", errConfigInvalid)
	case cfg.NBucket <= 0:
		return fmt.Errorf("%w: nbucket must be positive", errConfigInvalid)
	case cfg.PageSize <= 0:
		return fmt.Errorf("%w: page_size must be positive", errConfigInvalid)
	case cfg.BlockSize <= 0:
		return fmt.Errorf("%w: block_size must be positive", errConfigInvalid)
	case cfg.NumFrames <= 0:
		return fmt.Errorf("%w: num_frames must be positive", errConfigInvalid)
	case cfg.MaxOpBlocks <= 0:
		return fmt.Errorf("%w: max_op_blocks must be positive", errConfigInvalid)
	}

	return nil
}

// Format returns cfg as indented JSON, for `kcore stat` style diagnostics.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}

// Save writes cfg to path as kcore.json, replacing the file atomically so a
// reader never observes a half-written config. Unlike the superblock stamp
// in cmd/mkdisk, this write has no need for fault-injection testing through
// the FS abstraction, so it goes straight through natefinch/atomic the way
// the project's project-file writer does.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	data = append(data, '\n')

	if err := natomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}
