// Package objectstore_test tests the NATS audio archive.
package objectstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/tts-batch/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server with JetStream enabled.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func newArchive(t *testing.T, bucket string) (*objectstore.AudioArchive, nats.JetStreamContext) {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	archive, err := objectstore.New(jetstreamContext, bucket)
	require.NoError(t, err)

	return archive, jetstreamContext
}

func TestAudioArchive_UploadDownload(t *testing.T) {
	t.Parallel()

	archive, _ := newArchive(t, "test-bucket")
	ctx := context.Background()
	uploadData := []byte("hello world, this is a test")

	require.NoError(t, archive.Upload(ctx, "my-test-object", uploadData))

	downloadData, err := archive.Download(ctx, "my-test-object")
	require.NoError(t, err)
	require.Equal(t, uploadData, downloadData)
	assert.Equal(t, "test-bucket", archive.Bucket())
}

func TestAudioArchive_UploadFileWithMetadata(t *testing.T) {
	t.Parallel()

	archive, _ := newArchive(t, "AUDIO_FILES")
	ctx := context.Background()

	filePath := filepath.Join(t.TempDir(), "00003.mp3")
	require.NoError(t, os.WriteFile(filePath, []byte("ID3-fake-mp3"), 0o600))

	key := objectstore.AudioKey("book-42", 2)
	require.Equal(t, "book-42/00003.mp3", key)

	err := archive.UploadFile(ctx, key, filePath, map[string]string{"item_id": "item-3", "model": "eleven_v3"})
	require.NoError(t, err)

	data, err := archive.Download(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-fake-mp3"), data)

	metadata, err := archive.Metadata(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "item-3", metadata["item_id"])
}

func TestAudioArchive_Errors(t *testing.T) {
	t.Parallel()

	archive, jetstreamContext := newArchive(t, "errors-bucket")
	ctx := context.Background()

	require.ErrorIs(t, archive.Upload(ctx, "", []byte("x")), objectstore.ErrKeyEmpty)
	require.Error(t, archive.UploadFile(ctx, "missing", filepath.Join(t.TempDir(), "missing.mp3"), nil))

	_, err := archive.Download(ctx, "does-not-exist")
	require.Error(t, err)

	rebound, err := objectstore.New(jetstreamContext, "errors-bucket")
	require.NoError(t, err, "an existing bucket is bound, not recreated")
	assert.Equal(t, "errors-bucket", rebound.Bucket())
}

func TestAudioKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "00001.mp3", objectstore.AudioKey("", 0))
	assert.Equal(t, "run/00120.mp3", objectstore.AudioKey("run", 119))
}
