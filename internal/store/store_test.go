package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Lookout/internal/model"
	"github.com/CZERTAINLY/Lookout/internal/store"
	"github.com/stretchr/testify/require"
)

func newDir(t *testing.T) (*store.Dir, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data")
	d, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, path
}

func TestDir_Success(t *testing.T) {
	d, path := newDir(t)
	const image = "library/nginx:1.25"

	ok, err := d.Exists(image)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = d.Read(image)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, d.WriteSuccess(image, []byte(`{"ok":true}`)))

	ok, err = d.Exists(image)
	require.NoError(t, err)
	require.True(t, ok)
	failed, err := d.IsFailure(image)
	require.NoError(t, err)
	require.False(t, failed)

	rec, err := d.Read(image)
	require.NoError(t, err)
	require.Equal(t, store.Record{Content: []byte(`{"ok":true}`)}, rec)

	_, err = os.Stat(filepath.Join(path, "library-nginx:1.25"))
	require.NoError(t, err)
}

func TestDir_FailureReplacesSuccess(t *testing.T) {
	d, path := newDir(t)
	const image = "redis:7"

	require.NoError(t, d.WriteSuccess(image, []byte("report")))
	require.NoError(t, d.WriteFailure(image, "PROCESS EXITED 2: redis:7"))

	failed, err := d.IsFailure(image)
	require.NoError(t, err)
	require.True(t, failed)
	rec, err := d.Read(image)
	require.NoError(t, err)
	require.True(t, rec.Failure)
	require.Equal(t, "PROCESS EXITED 2: redis:7", string(rec.Content))

	_, err = os.Stat(filepath.Join(path, "redis:7"))
	require.ErrorIs(t, err, os.ErrNotExist)

	// and back again
	require.NoError(t, d.WriteSuccess(image, []byte("report")))
	failed, err = d.IsFailure(image)
	require.NoError(t, err)
	require.False(t, failed)
}

func TestDir_Delete(t *testing.T) {
	d, _ := newDir(t)
	const image = "alpine:3.20"

	require.NoError(t, d.WriteFailure(image, "PULL ERROR [EXIT 1]: alpine:3.20"))
	require.NoError(t, d.Delete(image))
	ok, err := d.Exists(image)
	require.NoError(t, err)
	require.False(t, ok)

	// deleting twice or deleting garbage is a no-op
	require.NoError(t, d.Delete(image))
	require.NoError(t, d.Delete("not an image"))
}

func TestDir_InvalidImage(t *testing.T) {
	d, _ := newDir(t)

	var testCases = []struct {
		scenario string
		then     func(image string) error
	}{
		{"exists", func(image string) error { _, err := d.Exists(image); return err }},
		{"is failure", func(image string) error { _, err := d.IsFailure(image); return err }},
		{"read", func(image string) error { _, err := d.Read(image); return err }},
		{"write success", func(image string) error { return d.WriteSuccess(image, nil) }},
		{"write failure", func(image string) error { return d.WriteFailure(image, "") }},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.ErrorIs(t, tc.then("../../etc/passwd"), model.ErrInvalidImage)
		})
	}
}
