package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveKey(t *testing.T) {
	assert.Equal(t, "fingerprinted_images_abc.zip", ArchiveKey("abc"))
}

func TestNewNoneBackend(t *testing.T) {
	sink, err := New(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, sink)

	sink, err = New(context.Background(), Config{Backend: "NONE"})
	require.NoError(t, err)
	assert.Nil(t, sink)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "ftp"})
	assert.Error(t, err)
}

func TestLocalStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink, err := New(context.Background(), Config{Backend: BackendLocal, Dir: dir})
	require.NoError(t, err)

	where, err := sink.Store(context.Background(), "../sneaky/x.zip", []byte("zip-bytes"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "x.zip"), where)

	data, err := os.ReadFile(where)
	require.NoError(t, err)
	assert.Equal(t, []byte("zip-bytes"), data)
	assert.NoFileExists(t, where+".part")
}

func TestLocalRequiresDir(t *testing.T) {
	_, err := NewLocal("  ")
	assert.Error(t, err)
}

func TestLocalStoreHonoursCancelledContext(t *testing.T) {
	sink, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = sink.Store(ctx, "a.zip", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewMinioValidatesConfig(t *testing.T) {
	_, err := NewMinio(context.Background(), Minio{Bucket: "b"})
	assert.Error(t, err)

	_, err = NewMinio(context.Background(), Minio{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

func TestMinioObjectKey(t *testing.T) {
	assert.Equal(t, "a.zip", (&MinioSink{}).objectKey("a.zip"))
	assert.Equal(t, "out/a.zip", (&MinioSink{prefix: "out"}).objectKey("a.zip"))
}
