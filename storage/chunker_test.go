package storage_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fedmesh/cotrain/storage"
	"github.com/fedmesh/cotrain/types"
)

const bucket = "cotrain-bucket"

// memRef converts a reference produced by the in-memory store back into its
// object key.
func memKey(t *testing.T, ref string) string {
	t.Helper()
	prefix := fmt.Sprintf("mem://%s/", bucket)
	require.True(t, strings.HasPrefix(ref, prefix), "unexpected reference %q", ref)
	return strings.TrimPrefix(ref, prefix)
}

func fetch(t *testing.T, store *storage.InMemory, ref string) string {
	t.Helper()
	body, err := store.GetObject(context.Background(), bucket, memKey(t, ref))
	require.NoError(t, err)
	return string(body)
}

func TestUploadDataset_SingleChunk(t *testing.T) {
	req := require.New(t)
	store := storage.NewInMemory()
	up := storage.NewUploader(store, bucket)

	manifestRef, count, err := up.UploadDataset(context.Background(), strings.NewReader("header\nrow1\n"), storage.DefaultMaxChunkBytes)
	req.NoError(err)
	req.Equal(1, count)

	manifest := fetch(t, store, manifestRef)
	chunkRefs := strings.Split(manifest, ",")
	req.Len(chunkRefs, 1)
	req.Equal("header\nrow1\n", fetch(t, store, chunkRefs[0]))

	// Exactly one data chunk plus the manifest, and they are distinct objects.
	objects, err := store.ListObjects(context.Background(), bucket)
	req.NoError(err)
	req.Len(objects, 2)
	req.NotEqual(memKey(t, manifestRef), memKey(t, chunkRefs[0]))
}

func TestUploadDataset_RoundTrip(t *testing.T) {
	req := require.New(t)
	store := storage.NewInMemory()
	up := storage.NewUploader(store, bucket)

	var sb strings.Builder
	sb.WriteString("id,value\n")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&sb, "%d,%s\n", i, strings.Repeat("x", 40))
	}
	original := sb.String()

	manifestRef, count, err := up.UploadDataset(context.Background(), strings.NewReader(original), 1024)
	req.NoError(err)
	req.Greater(count, 1)

	chunkRefs := strings.Split(fetch(t, store, manifestRef), ",")
	req.Len(chunkRefs, count)

	// Reassemble: strip the duplicated header from every chunk but the first.
	var rebuilt strings.Builder
	for i, ref := range chunkRefs {
		chunk := fetch(t, store, ref)
		req.True(strings.HasPrefix(chunk, "id,value\n"), "chunk %d is missing the header", i)
		if i > 0 {
			chunk = strings.TrimPrefix(chunk, "id,value\n")
		}
		rebuilt.WriteString(chunk)
	}
	req.Equal(original, rebuilt.String())
}

func TestUploadDataset_ChunkBoundaries(t *testing.T) {
	req := require.New(t)
	store := storage.NewInMemory()
	up := storage.NewUploader(store, bucket)

	// Three rows of 30 bytes each with a 40-byte budget: every row overflows
	// the previous one, forcing exactly three chunks.
	row := strings.Repeat("r", 29) + "\n"
	src := "header\n" + row + row + row

	manifestRef, count, err := up.UploadDataset(context.Background(), strings.NewReader(src), 40)
	req.NoError(err)
	req.Equal(3, count)

	for _, ref := range strings.Split(fetch(t, store, manifestRef), ",") {
		chunk := fetch(t, store, ref)
		first, _, found := strings.Cut(chunk, "\n")
		req.True(found)
		req.Equal("header", first)
	}
}

func TestUploadDataset_HeaderOnly(t *testing.T) {
	req := require.New(t)
	store := storage.NewInMemory()
	up := storage.NewUploader(store, bucket)

	manifestRef, count, err := up.UploadDataset(context.Background(), strings.NewReader("only-header\n"), 1024)
	req.NoError(err)
	req.Equal(1, count)
	chunkRefs := strings.Split(fetch(t, store, manifestRef), ",")
	req.Len(chunkRefs, 1)
	req.Equal("only-header\n", fetch(t, store, chunkRefs[0]))
}

func TestUploadDataset_EmptySource(t *testing.T) {
	store := storage.NewInMemory()
	up := storage.NewUploader(store, bucket)

	_, _, err := up.UploadDataset(context.Background(), strings.NewReader(""), 1024)
	require.ErrorIs(t, err, types.ErrEmptySource)

	_, _, err = up.UploadDataset(context.Background(), strings.NewReader("\nrow\n"), 1024)
	require.ErrorIs(t, err, types.ErrEmptySource)
}

func TestUploadDataset_Progress(t *testing.T) {
	req := require.New(t)
	store := storage.NewInMemory()
	var messages []string
	up := storage.NewUploader(store, bucket, storage.WithProgress(func(msg string) {
		messages = append(messages, msg)
	}))

	_, _, err := up.UploadDataset(context.Background(), strings.NewReader("h\na\n"), 1024)
	req.NoError(err)
	req.NotEmpty(messages)
	req.Contains(messages[len(messages)-1], "successfully")
}

func TestUploadFile_Idempotent(t *testing.T) {
	req := require.New(t)
	store := storage.NewInMemory()
	up := storage.NewUploader(store, bucket)

	ref1, err := up.UploadFile(context.Background(), strings.NewReader("model body"))
	req.NoError(err)
	ref2, err := up.UploadFile(context.Background(), strings.NewReader("model body"))
	req.NoError(err)
	req.Equal(ref1, ref2)

	objects, err := store.ListObjects(context.Background(), bucket)
	req.NoError(err)
	req.Len(objects, 1)
}

func TestContentAddress(t *testing.T) {
	req := require.New(t)
	a := storage.ContentAddress([]byte("abc"))
	req.Equal("ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", a)
	req.Equal(a, storage.ContentAddress([]byte("abc")))
	req.NotEqual(a, storage.ContentAddress([]byte("abd")))
}
