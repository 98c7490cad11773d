package vfs

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()

	mem := afero.NewMemMapFs()
	f := New(mem)

	require.NoError(t, f.CreateDir("/a"))
	require.NoError(t, f.WriteRange("/a/one.txt", 0, []byte("hello")))
	require.NoError(t, f.CreateDir("/a/b"))
	require.NoError(t, f.WriteRange("/a/b/two.txt", 0, []byte("world!!")))

	return f
}

func TestExistsAndIsDir(t *testing.T) {
	f := newTestFS(t)

	assert.True(t, f.Exists("/a/one.txt"))
	assert.False(t, f.IsDir("/a/one.txt"))
	assert.True(t, f.IsDir("/a/b"))
	assert.False(t, f.Exists("/nope"))
}

func TestSizeAndMtime(t *testing.T) {
	f := newTestFS(t)

	size, err := f.Size("/a/one.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)

	_, err = f.Mtime("/a/one.txt")
	require.NoError(t, err)
}

func TestList(t *testing.T) {
	f := newTestFS(t)

	entries, err := f.List("/a")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "b", entries[0].Name)
	assert.Equal(t, KindDir, entries[0].Kind)
	assert.Equal(t, "one.txt", entries[1].Name)
	assert.Equal(t, KindFile, entries[1].Kind)
	assert.EqualValues(t, 5, entries[1].Size)
}

func TestReadRangeAndWriteRange(t *testing.T) {
	f := newTestFS(t)

	buf := make([]byte, 3)
	n, err := f.ReadRange("/a/one.txt", 2, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "llo", string(buf[:n]))

	require.NoError(t, f.WriteRange("/a/new.txt", 0, []byte("abc")))
	size, err := f.Size("/a/new.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)
}

func TestOpenWriterTruncateVsAppend(t *testing.T) {
	f := newTestFS(t)

	w, err := f.OpenWriter("/a/one.txt", 0, true)
	require.NoError(t, err)
	_, err = w.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	size, err := f.Size("/a/one.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)

	w, err = f.OpenWriter("/a/one.txt", 2, false)
	require.NoError(t, err)
	_, err = w.Write([]byte("!!"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	size, err = f.Size("/a/one.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 4, size)
}

func TestCreateDeleteFile(t *testing.T) {
	f := newTestFS(t)

	require.NoError(t, f.DeleteFile("/a/one.txt"))
	assert.False(t, f.Exists("/a/one.txt"))
}

func TestDeleteDirNonRecursiveFailsWhenNotEmpty(t *testing.T) {
	f := newTestFS(t)

	err := f.DeleteDir("/a", false)
	assert.Error(t, err)
}

func TestDeleteDirRecursive(t *testing.T) {
	f := newTestFS(t)

	require.NoError(t, f.DeleteDir("/a", true))
	assert.False(t, f.Exists("/a"))
	assert.False(t, f.Exists("/a/b/two.txt"))
}

func TestRename(t *testing.T) {
	f := newTestFS(t)

	require.NoError(t, f.Rename("/a/one.txt", "/a/renamed.txt"))
	assert.False(t, f.Exists("/a/one.txt"))
	assert.True(t, f.Exists("/a/renamed.txt"))
}

func TestParentAndFilenameOf(t *testing.T) {
	f := newTestFS(t)

	assert.Equal(t, "/a/b", f.ParentOf("/a/b/two.txt"))
	assert.Equal(t, "two.txt", f.FilenameOf("/a/b/two.txt"))
}
