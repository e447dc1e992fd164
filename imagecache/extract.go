package imagecache

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/boxlite/boxlite/internal/boxerr"
)

const whiteoutPrefix = ".wh."
const opaqueWhiteout = ".wh..wh..opq"

// PullAndExtract pulls reference and extracts every layer's tar stream into
// destDir in manifest order, applying the OCI whiteout convention so later
// layers can delete or opaque-mask files from earlier ones — unlike
// cocoon's oci.processLayer (which converts each layer independently to
// its own EROFS blob), BoxLite needs one flattened tree to feed the
// ext4 image-disk builder, so layers are applied sequentially rather than
// extracted concurrently.
func PullAndExtract(ctx context.Context, reference, destDir string) (*ImageObject, error) {
	ref, err := name.ParseReference(reference)
	if err != nil {
		return nil, boxerr.New(boxerr.InvalidArgument, reference, "parse image reference: %v", err)
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
	for i, layer := range layers {
		d, err := layer.Digest()
		if err != nil {
			return nil, boxerr.Wrap(boxerr.Image, reference, fmt.Errorf("layer %d digest: %w", i, err))
		}
		digests = append(digests, d.String())

		rc, err := layer.Uncompressed()
		if err != nil {
			return nil, boxerr.Wrap(boxerr.Image, reference, fmt.Errorf("open layer %d: %w", i, err))
		}
		extractErr := extractLayer(rc, destDir)
		rc.Close() //nolint:errcheck
		if extractErr != nil {
			return nil, boxerr.Wrap(boxerr.Image, reference, fmt.Errorf("extract layer %d: %w", i, extractErr))
		}
	}
	return &ImageObject{Reference: reference, LayerDigests: digests}, nil
}

func extractLayer(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}
		target := filepath.Join(destDir, name)
		base := filepath.Base(name)
		dir := filepath.Dir(target)

		if base == opaqueWhiteout {
			if err := clearDir(dir); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			victim := filepath.Join(dir, strings.TrimPrefix(base, whiteoutPrefix))
			if err := os.RemoveAll(victim); err != nil {
				return fmt.Errorf("apply whiteout %s: %w", victim, err)
			}
			continue
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
		if err := extractEntry(tr, hdr, target); err != nil {
			return err
		}
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, target string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode&0o777)) //nolint:gosec
	case tar.TypeReg, tar.TypeRegA:
		_ = os.Remove(target) // layer may replace a non-regular entry
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777)) //nolint:gosec
		if err != nil {
			return fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(f, tr); err != nil { //nolint:gosec
			_ = f.Close()
			return fmt.Errorf("write %s: %w", target, err)
		}
		return f.Close()
	case tar.TypeSymlink:
		_ = os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		_ = os.Remove(target)
		return os.Link(filepath.Join(filepath.Dir(target), filepath.Base(hdr.Linkname)), target)
	default:
		return nil // devices, fifos: not meaningful inside a box rootfs
	}
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
