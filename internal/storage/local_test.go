package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPutGetDelete(t *testing.T) {
	t.Parallel()

	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	n, err := store.Put(ctx, "bucket", "pdf/report_20240101.pdf", strings.NewReader("%PDF-1.7 body"))
	require.NoError(t, err)
	assert.Equal(t, int64(13), n)

	data, err := store.Get(ctx, "bucket", "pdf/report_20240101.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 body", string(data))

	obj, err := store.Stat(ctx, "bucket", "pdf/report_20240101.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(13), obj.Size)

	require.NoError(t, store.Delete(ctx, "bucket", "pdf/report_20240101.pdf"))
	err = store.Delete(ctx, "bucket", "pdf/report_20240101.pdf")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = store.Get(ctx, "bucket", "pdf/report_20240101.pdf")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalListByPrefix(t *testing.T) {
	t.Parallel()

	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{
		"pdf/doc_chunk_2.pdf",
		"pdf/doc_chunk_1.pdf",
		"pdf/doc.pdf",
		"result/COMPLIANT_doc.pdf",
	} {
		_, err := store.Put(ctx, "bucket", key, strings.NewReader("x"))
		require.NoError(t, err)
	}

	objects, err := store.List(ctx, "bucket", "pdf/doc_chunk_")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "pdf/doc_chunk_1.pdf", objects[0].Key)
	assert.Equal(t, "pdf/doc_chunk_2.pdf", objects[1].Key)

	empty, err := store.List(ctx, "missing-bucket", "pdf/")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := NewLocal(root)
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../outside", "x.pdf", strings.NewReader("x"))
	require.Error(t, err)

	p, err := store.path("bucket", "../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, root))
}
