// Package imagecache implements the image-disk cache (C2): pulling an OCI
// image and materializing a read-only, content-addressed ext4 disk keyed by
// the image digest. Grounded on cocoon's images/oci package (temp-dir build
// + atomic rename, ants-pool-bounded layer extraction) generalized from
// cocoon's "boot disk for a VM" use case to BoxLite's "rootfs disk for a
// box" use case.
package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/panjf2000/ants/v2"

	"github.com/boxlite/boxlite/config"
	"github.com/boxlite/boxlite/disk"
	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/internal/boxlog"
	"github.com/boxlite/boxlite/utils"
)

// ImageObject is a pulled OCI image, resolved to an ordered set of layer
// digests. ComputeDigest is stable across pulls of the same reference.
type ImageObject struct {
	Reference    string
	LayerDigests []string // ordered, as they appear in the manifest
}

// ComputeDigest returns the sha256 hex digest over the ordered layer
// digests, used as the content-address key for the image-disk cache.
func (o *ImageObject) ComputeDigest() string {
	h := sha256.New()
	for _, d := range o.LayerDigests {
		h.Write([]byte(d))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cache manages the content-addressed image-disk cache rooted at
// conf.ImageDiskDir().
type Cache struct {
	conf *config.Config
	pool *ants.Pool
}

// New creates an image-disk cache with an ants worker pool sized from
// conf.PoolSize the way cocoon's storage/oci backend wires ants.NewPool.
// No work is submitted to that pool: GetOrCreate and PullAndExtract run on
// the caller's goroutine.
func New(conf *config.Config) (*Cache, error) {
	pool, err := ants.NewPool(max(conf.PoolSize, 1))
	if err != nil {
		return nil, boxerr.Wrap(boxerr.Internal, "imagecache", fmt.Errorf("create worker pool: %w", err))
	}
	return &Cache{conf: conf, pool: pool}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Pull resolves reference against a registry and returns an ImageObject
// with its ordered layer digests, using google/go-containerregistry exactly
// as cocoon's images/oci package does.
func Pull(ctx context.Context, reference string) (*ImageObject, error) {
	ref, err := name.ParseReference(reference)
	if err != nil {
		return nil, boxerr.New(boxerr.InvalidArgument, reference, "parse image reference: %w", err)
	}
	img, err := remote.Image(ref, remote.WithContext(ctx))
	if err != nil {
		return nil, boxerr.Wrap(boxerr.Image, reference, fmt.Errorf("pull image: %w", err))
	}
	layers, err := img.Layers()
	if err != nil {
		return nil, boxerr.Wrap(boxerr.Image, reference, fmt.Errorf("read layers: %w", err))
	}
	digests := make([]string, 0, len(layers))
	for _, l := range layers {
		d, err := l.Digest()
		if err != nil {
			return nil, boxerr.Wrap(boxerr.Image, reference, fmt.Errorf("layer digest: %w", err))
		}
		digests = append(digests, d.String())
	}
	return &ImageObject{Reference: reference, LayerDigests: digests}, nil
}

// GetOrCreate returns the ext4 disk path for image, building it if absent
// (spec.md §4.2). If the final cache path already exists — including the
// case where a concurrent builder won the race — the existing file is
// accepted as-is; this cache never overwrites an installed entry (I4).
func (c *Cache) GetOrCreate(ctx context.Context, image *ImageObject, extractedDir string) (string, error) {
	digest := image.ComputeDigest()
	finalPath := c.conf.ImageDiskPath(digest)
	if utils.ValidFile(finalPath) {
		return finalPath, nil
	}

	logger := boxlog.WithFunc("imagecache.GetOrCreate")

	if err := utils.EnsureDirs(c.conf.ImageDiskDir(), c.conf.TempDir()); err != nil {
		return "", boxerr.Wrap(boxerr.Storage, digest, err)
	}

	tmpDir, err := os.MkdirTemp(c.conf.TempDir(), ".imagecache-*")
	if err != nil {
		return "", boxerr.Wrap(boxerr.Storage, digest, fmt.Errorf("create temp build dir: %w", err))
	}
	defer os.RemoveAll(tmpDir)

	tmpDisk := filepath.Join(tmpDir, digest+".ext4")
	size := estimateExt4Size(extractedDir)
	if err := disk.CreateExt4FromDir(ctx, extractedDir, tmpDisk, size); err != nil {
		return "", err
	}

	if err := os.Rename(tmpDisk, finalPath); err != nil {
		if utils.ValidFile(finalPath) {
			logger.Infof(ctx, "image disk %s installed by a concurrent builder, accepting it", digest)
			return finalPath, nil
		}
		return "", boxerr.Wrap(boxerr.Storage, digest, fmt.Errorf("install image disk: %w", err))
	}
	if err := utils.SyncParentDir(c.conf.ImageDiskDir()); err != nil {
		return "", boxerr.Wrap(boxerr.Storage, digest, err)
	}
	logger.Infof(ctx, "installed image disk %s", digest)
	return finalPath, nil
}

// estimateExt4Size sizes the ext4 image as 2x the extracted tree plus a
// fixed 64MiB floor for filesystem metadata overhead.
func estimateExt4Size(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	size := total*2 + 64<<20
	return size
}

// ReferencedDigests scans digests for entries still named by live boxes.
func ReferencedDigests(all []string, used map[string]struct{}) []string {
	sort.Strings(all)
	var out []string
	for _, d := range all {
		if _, ok := used[d]; ok {
			out = append(out, d)
		}
	}
	return out
}
