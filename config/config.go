// Package config holds the runtime's global configuration and the
// filesystem layout (C4): the single source of truth for every on-disk
// path, following cocoon's config.Config + per-component Ensure*Dirs /
// {Component}{Artifact}Path() accessor convention.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global boxlite configuration.
type Config struct {
	// RootDir ("home_dir" in spec.md) is the runtime home: every box,
	// cache entry, and lock file is rooted here. Defaults to
	// $HOME/.boxlite, overridable via BOXLITE_HOME.
	RootDir string `json:"root_dir"`

	// PoolSize sizes the ants worker pool imagecache.New creates. Image
	// extraction and ext4 construction run sequentially and submit no work
	// to that pool. Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size"`

	// Log configuration, reusing eru core's ServerLogConfig exactly as
	// the teacher does.
	Log coretypes.ServerLogConfig `json:"log"`

	// ShimBinary is the path to the boxlite-shim executable; resolved
	// via exec.LookPath at startup if empty.
	ShimBinary string `json:"shim_binary,omitempty"`

	// QemuImgBinary overrides the qemu-img binary used by the disk layer.
	QemuImgBinary string `json:"qemu_img_binary,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults, rooted at
// $HOME/.boxlite unless BOXLITE_HOME is set.
func DefaultConfig() *Config {
	return &Config{
		RootDir:       defaultRootDir(),
		PoolSize:      runtime.NumCPU(),
		QemuImgBinary: "qemu-img",
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

func defaultRootDir() string {
	if home := os.Getenv("BOXLITE_HOME"); home != "" {
		return home
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".boxlite")
	}
	return "/var/lib/boxlite"
}

// LoadConfig loads configuration from file, falling back to defaults.
// A missing file is not an error: callers get DefaultConfig().
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	if cfg.QemuImgBinary == "" {
		cfg.QemuImgBinary = "qemu-img"
	}
	return cfg, nil
}

// EnsureDirs creates every top-level runtime-home directory from spec.md §6:
// boxes/, images/disk-images/, rootfs/, db/, tmp/, logs/, apparmor/.
func (c *Config) EnsureDirs() error {
	return ensureDirs(
		c.BoxesDir(),
		c.ImageDiskDir(),
		c.RootfsCacheDir(),
		c.DBDir(),
		c.TempDir(),
		c.LogDir(),
		c.ApparmorDir(),
	)
}

func ensureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// --- Runtime-home layout (C4) -------------------------------------------

// RuntimeLockFile is the single runtime-home file lock (I2): every
// mutating operation across every component acquires this lock.
func (c *Config) RuntimeLockFile() string { return filepath.Join(c.RootDir, "db", ".lock") }

// DBDir holds the opaque box state store (C5).
func (c *Config) DBDir() string { return filepath.Join(c.RootDir, "db") }

// BoxIndexFile is the JSON-backed box index persisted by C5.
func (c *Config) BoxIndexFile() string { return filepath.Join(c.DBDir(), "boxes.json") }

// TempDir is staging space on the same filesystem as the caches, required
// for atomic temp+rename installs (I4).
func (c *Config) TempDir() string { return filepath.Join(c.RootDir, "tmp") }

// LogDir holds the rotated runtime log.
func (c *Config) LogDir() string { return filepath.Join(c.RootDir, "logs") }

// RuntimeLogFile is the rotated boxlite-shim.log mentioned in spec.md §6.
func (c *Config) RuntimeLogFile() string { return filepath.Join(c.LogDir(), "boxlite-shim.log") }

// ApparmorDir holds generated Linux AppArmor profiles.
func (c *Config) ApparmorDir() string { return filepath.Join(c.RootDir, "apparmor") }

// --- Image-disk cache (C2) ----------------------------------------------

// ImageDiskDir is images/disk-images/ — content-addressed by image digest.
func (c *Config) ImageDiskDir() string { return filepath.Join(c.RootDir, "images", "disk-images") }

// ImageDiskPath returns the cache path for a given image digest.
func (c *Config) ImageDiskPath(digest string) string {
	return filepath.Join(c.ImageDiskDir(), digest+".ext4")
}

// --- Guest-rootfs cache (C3) ---------------------------------------------

// RootfsCacheDir is rootfs/ — content-addressed by VersionKey.
func (c *Config) RootfsCacheDir() string { return filepath.Join(c.RootDir, "rootfs") }

// RootfsCachePath returns the cache path for a given VersionKey.
func (c *Config) RootfsCachePath(versionKey string) string {
	return filepath.Join(c.RootfsCacheDir(), versionKey+".ext4")
}

// --- Per-box layout (C4) --------------------------------------------------

// BoxesDir is the parent of every per-box home directory.
func (c *Config) BoxesDir() string { return filepath.Join(c.RootDir, "boxes") }

// BoxDir is the home directory of a single box.
func (c *Config) BoxDir(boxID string) string { return filepath.Join(c.BoxesDir(), boxID) }

// BoxContainerDisk is the per-box container overlay qcow2.
func (c *Config) BoxContainerDisk(boxID string) string {
	return filepath.Join(c.BoxDir(boxID), "container.qcow2")
}

// BoxGuestRootfsDisk is the per-box guest-rootfs overlay qcow2.
func (c *Config) BoxGuestRootfsDisk(boxID string) string {
	return filepath.Join(c.BoxDir(boxID), "guest-rootfs.qcow2")
}

// BoxSocketsDir holds box.sock and ready.sock.
func (c *Config) BoxSocketsDir(boxID string) string {
	return filepath.Join(c.BoxDir(boxID), "sockets")
}

// BoxTransportSocket is the guest RPC transport endpoint (box.sock).
func (c *Config) BoxTransportSocket(boxID string) string {
	return filepath.Join(c.BoxSocketsDir(boxID), "box.sock")
}

// BoxReadySocket is the ready handshake socket (ready.sock).
func (c *Config) BoxReadySocket(boxID string) string {
	return filepath.Join(c.BoxSocketsDir(boxID), "ready.sock")
}

// BoxLogsDir holds console.log and exit.json.
func (c *Config) BoxLogsDir(boxID string) string {
	return filepath.Join(c.BoxDir(boxID), "logs")
}

// BoxConsoleLog is the shim's captured console/stderr output.
func (c *Config) BoxConsoleLog(boxID string) string {
	return filepath.Join(c.BoxLogsDir(boxID), "console.log")
}

// BoxExitFile is the JSON exit-info document written by the shim (C7).
func (c *Config) BoxExitFile(boxID string) string {
	return filepath.Join(c.BoxLogsDir(boxID), "exit.json")
}

// BoxPIDFile records the shim's PID while running.
func (c *Config) BoxPIDFile(boxID string) string {
	return filepath.Join(c.BoxDir(boxID), "shim.pid")
}

// BoxNetworkSocket is the per-box network-backend helper's Unix socket (C9).
func (c *Config) BoxNetworkSocket(boxID string) string {
	return filepath.Join(c.BoxSocketsDir(boxID), "net.sock")
}

// BoxSnapshotsDir is the parent of every named snapshot for a box.
func (c *Config) BoxSnapshotsDir(boxID string) string {
	return filepath.Join(c.BoxDir(boxID), "snapshots")
}

// BoxSnapshotDir is the directory holding one snapshot's moved overlays.
func (c *Config) BoxSnapshotDir(boxID, name string) string {
	return filepath.Join(c.BoxSnapshotsDir(boxID), name)
}

// BoxSnapshotContainerDisk is a snapshot's moved container overlay.
func (c *Config) BoxSnapshotContainerDisk(boxID, name string) string {
	return filepath.Join(c.BoxSnapshotDir(boxID, name), "container.qcow2")
}

// BoxSnapshotGuestRootfsDisk is a snapshot's moved guest-rootfs overlay.
func (c *Config) BoxSnapshotGuestRootfsDisk(boxID, name string) string {
	return filepath.Join(c.BoxSnapshotDir(boxID, name), "guest-rootfs.qcow2")
}

// EnsureBoxDirs materializes every directory a box needs before start.
func (c *Config) EnsureBoxDirs(boxID string) error {
	return ensureDirs(
		c.BoxDir(boxID),
		c.BoxSocketsDir(boxID),
		c.BoxLogsDir(boxID),
		c.BoxSnapshotsDir(boxID),
	)
}
