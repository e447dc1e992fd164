// Package guestcache implements the guest-rootfs cache (C3): a versioned
// ext4 disk containing an image-disk plus the injected boxlite-guest
// binary, keyed by VersionKey = image_digest[:12]-guest_hash[:12].
// Grounded on original_source/boxlite/src/runtime/guest_rootfs_manager.rs.
package guestcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/boxlite/boxlite/config"
	"github.com/boxlite/boxlite/disk"
	"github.com/boxlite/boxlite/imagecache"
	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/internal/boxlog"
	"github.com/boxlite/boxlite/utils"
)

// ExpectedGuestHash is embedded at build time (e.g. via -ldflags
// "-X .../guestcache.ExpectedGuestHash=..."). Empty means "no compile-time
// hash embedded" — the original implementation's fallback path.
var ExpectedGuestHash string

// Cache manages the versioned guest-rootfs cache rooted at
// conf.RootfsCacheDir().
type Cache struct {
	conf       *config.Config
	guestBin   string // host path to the boxlite-guest binary
	hashOnce   sync.Once
	guestHash  string
	hashErr    error
}

// New creates a guest-rootfs cache. guestBin is the host path to the
// boxlite-guest agent binary whose sha256 seeds the VersionKey.
func New(conf *config.Config, guestBin string) *Cache {
	return &Cache{conf: conf, guestBin: guestBin}
}

// VersionKey returns digest[:12] + "-" + guestHash[:12].
func VersionKey(digest, guestHash string) string {
	return fmt.Sprintf("%s-%s", shortHex(digest), shortHex(guestHash))
}

func shortHex(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// VersionKeyFor returns the VersionKey an image digest would resolve to
// against the currently-loaded guest binary, letting callers (the
// lifecycle controller) record it on the box record without re-deriving
// the guest hash themselves.
func (c *Cache) VersionKeyFor(digest string) (string, error) {
	hash, err := c.cachedGuestHash()
	if err != nil {
		return "", err
	}
	return VersionKey(digest, hash), nil
}

func (c *Cache) cachedGuestHash() (string, error) {
	c.hashOnce.Do(func() {
		c.guestHash, c.hashErr = sha256File(c.guestBin)
	})
	return c.guestHash, c.hashErr
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", fmt.Errorf("open guest binary: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash guest binary: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GetOrCreate ensures a pure image disk exists via imgCache, then returns
// the versioned guest-rootfs disk path, building it on cache miss.
//
// On a cache miss it stages the image disk to a temp file, injects the
// guest binary, then — before installing — re-verifies the actual on-disk
// binary's hash against ExpectedGuestHash. If a compile-time hash was
// embedded and disagrees with the actual binary, this is an Internal error
// ("inconsistent build"): the binary that will run does not match what was
// built against. If no compile-time hash was embedded, the actual hash is
// accepted and the cache is re-checked under that key before installing,
// exactly as guest_rootfs_manager.rs's build_and_install does.
func (c *Cache) GetOrCreate(ctx context.Context, imgCache *imagecache.Cache, image *imagecache.ImageObject, extractedDir string) (string, error) {
	logger := boxlog.WithFunc("guestcache.GetOrCreate")

	imageDisk, err := imgCache.GetOrCreate(ctx, image, extractedDir)
	if err != nil {
		return "", err
	}

	digest := image.ComputeDigest()
	guestHash, err := c.cachedGuestHash()
	if err != nil {
		return "", boxerr.Wrap(boxerr.Storage, digest, err)
	}
	versionKey := VersionKey(digest, guestHash)

	if path := c.conf.RootfsCachePath(versionKey); utils.ValidFile(path) {
		return path, nil
	}

	logger.Infof(ctx, "cache miss for version key %s, building", versionKey)
	return c.buildAndInstall(ctx, imageDisk, digest, versionKey)
}

func (c *Cache) buildAndInstall(ctx context.Context, imageDisk, digest, expectedVersionKey string) (string, error) {
	if err := utils.EnsureDirs(c.conf.RootfsCacheDir(), c.conf.TempDir()); err != nil {
		return "", boxerr.Wrap(boxerr.Storage, expectedVersionKey, err)
	}

	tmpDir, err := os.MkdirTemp(c.conf.TempDir(), ".guestcache-*")
	if err != nil {
		return "", boxerr.Wrap(boxerr.Storage, expectedVersionKey, fmt.Errorf("create temp build dir: %w", err))
	}
	defer os.RemoveAll(tmpDir)

	staged := filepath.Join(tmpDir, "staged.ext4")
	if err := copyFile(imageDisk, staged); err != nil {
		return "", boxerr.Wrap(boxerr.Storage, expectedVersionKey, err)
	}

	if err := disk.InjectFileIntoExt4(ctx, staged, c.guestBin, "boxlite/bin/boxlite-guest"); err != nil {
		return "", err
	}

	actualHash, err := sha256File(c.guestBin)
	if err != nil {
		return "", boxerr.Wrap(boxerr.Storage, expectedVersionKey, err)
	}
	actualVersionKey := VersionKey(digest, actualHash)

	if ExpectedGuestHash != "" {
		if ExpectedGuestHash != actualHash {
			return "", boxerr.New(boxerr.Internal, expectedVersionKey,
				"inconsistent build: boxlite-guest binary hash %s does not match compile-time hash %s; rebuild boxlite to fix", actualHash, ExpectedGuestHash)
		}
	} else if actualVersionKey != expectedVersionKey {
		// No compile-time hash: accept the actual hash and retry the cache
		// lookup under that key before installing a new entry.
		if path := c.conf.RootfsCachePath(actualVersionKey); utils.ValidFile(path) {
			return path, nil
		}
		expectedVersionKey = actualVersionKey
	}

	finalPath := c.conf.RootfsCachePath(expectedVersionKey)
	if utils.ValidFile(finalPath) {
		return finalPath, nil
	}

	if err := os.Rename(staged, finalPath); err != nil {
		if utils.ValidFile(finalPath) {
			return finalPath, nil
		}
		return "", boxerr.Wrap(boxerr.Storage, expectedVersionKey, fmt.Errorf("install guest rootfs: %w", err))
	}
	if err := utils.SyncParentDir(c.conf.RootfsCacheDir()); err != nil {
		return "", boxerr.Wrap(boxerr.Storage, expectedVersionKey, err)
	}
	return finalPath, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open source disk: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create staged disk: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy image disk: %w", err)
	}
	return out.Sync()
}

// CurrentSuffix returns the "-{guest_hash[:12]}" suffix identifying entries
// built against the currently-running guest binary, used by GC to keep
// current-version entries alive even when unreferenced (spec.md §4.3).
func (c *Cache) CurrentSuffix() (string, error) {
	hash, err := c.cachedGuestHash()
	if err != nil {
		return "", err
	}
	return "-" + shortHex(hash), nil
}
