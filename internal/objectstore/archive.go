// Package objectstore archives finished audio in a NATS JetStream object store.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	contentTypeHeader = "Content-Type"
	contentTypeMPEG   = "audio/mpeg"
	audioKeyFormat    = "%05d.mp3"
)

// ErrKeyEmpty is returned when an object key is missing.
var ErrKeyEmpty = errors.New("object key cannot be empty")

// AudioArchive stores audio artifacts in a JetStream object store bucket. It
// implements core.ObjectStore.
type AudioArchive struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*AudioArchive, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Synthesized audio for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &AudioArchive{bucket: bucketName, store: store}, nil
}

// AudioKey names the object for the item at index within a workflow. Keys
// mirror the local file naming so archived audio sorts in batch order.
func AudioKey(workflowID string, index int) string {
	name := fmt.Sprintf(audioKeyFormat, index+1)
	if workflowID == "" {
		return name
	}

	return path.Join(workflowID, name)
}

// Bucket returns the bucket name.
func (a *AudioArchive) Bucket() string {
	return a.bucket
}

// Download retrieves an object.
func (a *AudioArchive) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.store.Get(key, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, a.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload saves data under key.
func (a *AudioArchive) Upload(ctx context.Context, key string, data []byte) error {
	return a.put(ctx, key, bytes.NewReader(data), nil)
}

// UploadFile streams the file at filePath into the bucket under key, tagged
// as MPEG audio with the given metadata.
func (a *AudioArchive) UploadFile(ctx context.Context, key, filePath string, metadata map[string]string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open audio file '%s': %w", filePath, err)
	}
	defer file.Close()

	return a.put(ctx, key, file, metadata)
}

func (a *AudioArchive) put(ctx context.Context, key string, reader io.Reader, metadata map[string]string) error {
	if key == "" {
		return ErrKeyEmpty
	}

	_, err := a.store.Put(&nats.ObjectMeta{
		Name:     key,
		Headers:  nats.Header{contentTypeHeader: []string{contentTypeMPEG}},
		Metadata: metadata,
	}, reader, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, a.bucket, err)
	}

	return nil
}

// Metadata returns the metadata stored with key.
func (a *AudioArchive) Metadata(ctx context.Context, key string) (map[string]string, error) {
	info, err := a.store.GetInfo(key, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to stat object '%s' in bucket '%s': %w", key, a.bucket, err)
	}

	return info.Metadata, nil
}
