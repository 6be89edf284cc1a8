// Package objectstore wraps gocloud.dev/blob (with the s3blob driver) to
// discover the newest dated feed folder in a bucket and stream CSV object
// bodies from it, grounded on bronze-copier's internal/source/s3.go.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/sirupsen/logrus"
)

// dateFolderLayout matches the "MM-DD-YYYY" prefix §6 specifies.
const dateFolderLayout = "01-02-2006"

// Object identifies one CSV object discovered under the newest folder.
type Object struct {
	Key    string
	Folder string
}

// Store lists and reads CSV feed objects from an S3-compatible bucket.
type Store struct {
	log    logrus.FieldLogger
	bucket *blob.Bucket
}

// Open opens bucketName, optionally against a custom S3-compatible
// endpoint (Backblaze/R2/MinIO), the way NewS3Source does.
func Open(ctx context.Context, log logrus.FieldLogger, bucketName, region, endpoint string) (*Store, error) {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketName, err)
	}

	return &Store{
		log:    log.WithField("component", "objectstore"),
		bucket: bucket,
	}, nil
}

// Close releases the underlying bucket handle.
func (s *Store) Close() error {
	return s.bucket.Close()
}

// NewestFeedFolder finds the folder named "MM-DD-YYYY"+suffix with the
// most recent date, per §6's "newest folder by date prefix" rule.
func (s *Store) NewestFeedFolder(ctx context.Context, suffix string) (string, error) {
	seen := map[string]time.Time{}

	iter := s.bucket.List(&blob.ListOptions{Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("list bucket folders: %w", err)
		}
		if !obj.IsDir {
			continue
		}

		name := strings.TrimSuffix(obj.Key, "/")
		base := strings.TrimSuffix(name, suffix)
		if suffix != "" && base == name {
			continue // folder does not carry the required suffix
		}

		t, err := time.Parse(dateFolderLayout, base)
		if err != nil {
			continue // not a dated feed folder, skip
		}
		seen[name] = t
	}

	if len(seen) == 0 {
		return "", fmt.Errorf("no dated feed folders found (suffix %q)", suffix)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return seen[names[i]].After(seen[names[j]])
	})

	newest := names[0]
	s.log.WithField("folder", newest).Info("selected newest feed folder")
	return newest, nil
}

// ListCSVObjects lists objects under folder with a case-insensitive .csv
// extension.
func (s *Store) ListCSVObjects(ctx context.Context, folder string) ([]Object, error) {
	prefix := strings.TrimSuffix(folder, "/") + "/"

	var objects []Object
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if !strings.EqualFold(strings.ToLower(extOf(obj.Key)), ".csv") {
			continue
		}
		objects = append(objects, Object{Key: obj.Key, Folder: folder})
	}

	return objects, nil
}

func extOf(key string) string {
	if i := strings.LastIndex(key, "."); i != -1 {
		return key[i:]
	}
	return ""
}

// ReadAll fully reads an object's body into memory as UTF-8 CSV bytes.
// FeedIngestor needs the whole body cached before its two passes, per
// §4.3's "cached body, NOT a double download" requirement.
func (s *Store) ReadAll(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return buf.Bytes(), nil
}
