package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// NewGCSClient builds a storage client. An empty credentials JSON uses
// application default credentials.
func NewGCSClient(ctx context.Context, credentialsJSON string) (*storage.Client, error) {
	if credentialsJSON != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	return storage.NewClient(ctx)
}

// GCSStore keeps runs as objects in a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStore(client *storage.Client, bucket, prefix string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *GCSStore) Put(ctx context.Context, runID string, data []byte) (string, error) {
	key := ObjectKey(s.prefix, runID)
	obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})

	wc := obj.NewWriter(ctx)
	wc.ContentType = "text/csv"
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return "", fmt.Errorf("uploading gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := wc.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return "", fmt.Errorf("gs://%s/%s: %w", s.bucket, key, ErrRunExists)
		}
		return "", fmt.Errorf("uploading gs://%s/%s: %w", s.bucket, key, err)
	}
	return key, nil
}

// Latest picks the most recently updated run object under the prefix.
func (s *GCSStore) Latest(ctx context.Context) (string, []byte, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + RunFilePrefix})

	var latest *storage.ObjectAttrs
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("listing gs://%s/%s: %w", s.bucket, s.prefix, err)
		}
		if latest == nil || attrs.Updated.After(latest.Updated) ||
			(attrs.Updated.Equal(latest.Updated) && attrs.Name > latest.Name) {
			latest = attrs
		}
	}
	if latest == nil {
		return "", nil, ErrNoRuns
	}

	rc, err := s.client.Bucket(s.bucket).Object(latest.Name).NewReader(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("opening gs://%s/%s: %w", s.bucket, latest.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", nil, fmt.Errorf("reading gs://%s/%s: %w", s.bucket, latest.Name, err)
	}
	return latest.Name, data, nil
}

// GCSObject is a raw meter export stored in Cloud Storage. It can be opened
// repeatedly, once per ingest phase.
type GCSObject struct {
	Client *storage.Client
	Bucket string
	Object string
}

func (o GCSObject) Name() string { return "gs://" + o.Bucket + "/" + o.Object }

func (o GCSObject) Open(ctx context.Context) (io.ReadCloser, error) {
	rc, err := o.Client.Bucket(o.Bucket).Object(o.Object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", o.Name(), err)
	}
	return rc, nil
}
