// Package blobs moves checkpoint files between the local disk and Google
// Cloud Storage.
package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/samcharles93/drape/internal/logger"
)

const gcsScheme = "gs://"

// IsRemote reports whether loc names a GCS object.
func IsRemote(loc string) bool { return strings.HasPrefix(loc, gcsScheme) }

// ParseGCS splits gs://bucket/object into its parts.
func ParseGCS(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, gcsScheme)
	if !ok {
		return "", "", fmt.Errorf("%q is not a gs:// url", uri)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" || strings.HasSuffix(object, "/") {
		return "", "", fmt.Errorf("%q must name a bucket and an object", uri)
	}
	return bucket, object, nil
}

// CachePath is where Fetch stores the object named by uri under dir.
func CachePath(dir, uri string) (string, error) {
	bucket, object, err := ParseGCS(uri)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, bucket, filepath.FromSlash(object)), nil
}

// Fetch returns a local path for loc. Local paths are returned unchanged.
// GCS objects are downloaded into dir once and reused afterwards.
func Fetch(ctx context.Context, loc, dir string) (string, error) {
	if !IsRemote(loc) {
		return loc, nil
	}
	bucket, object, err := ParseGCS(loc)
	if err != nil {
		return "", err
	}
	dest, err := CachePath(dir, loc)
	if err != nil {
		return "", err
	}
	log := logger.FromContext(ctx)
	if _, err := os.Stat(dest); err == nil {
		log.Debug("using cached checkpoint", "url", loc, "path", dest)
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer func() { _ = client.Close() }()

	log.Info("downloading checkpoint from GCS", "source", loc, "destination", dest)
	startedAt := time.Now()
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", fmt.Errorf("checkpoint %q does not exist", loc)
		}
		return "", fmt.Errorf("opening object from GCS %q: %w", loc, err)
	}
	defer func() { _ = r.Close() }()

	n, err := writeToFile(r, dest)
	if err != nil {
		return "", fmt.Errorf("downloading from GCS: %w", err)
	}
	log.Info("downloaded checkpoint", "url", loc, "bytes", n, "duration", time.Since(startedAt).Round(time.Millisecond).String())
	return dest, nil
}

// Upload copies the local file src to the GCS object uri, skipping the copy
// when the object already exists.
func Upload(ctx context.Context, src, uri string) error {
	bucket, object, err := ParseGCS(uri)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer func() { _ = f.Close() }()

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer func() { _ = client.Close() }()

	log := logger.FromContext(ctx)
	obj := client.Bucket(bucket).Object(object)
	if _, err := obj.Attrs(ctx); err == nil {
		log.Info("object already exists in GCS", "url", uri)
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("getting object attributes for %q: %w", uri, err)
	}

	w := obj.NewWriter(ctx)
	n, err := io.Copy(w, f)
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}
	log.Info("uploaded checkpoint", "source", src, "url", uri, "bytes", n)
	return nil
}

// writeToFile copies src to a temporary file next to dest and renames it
// into place, so dest is never partially written.
func writeToFile(src io.Reader, dest string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, src)
	if err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	keep = true
	return n, nil
}
