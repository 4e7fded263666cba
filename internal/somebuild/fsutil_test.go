package somebuild

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestLockOutput(t *testing.T) {
	dir := t.TempDir()

	first, err := lockOutput(dir)
	require.NoError(t, err)

	_, err = lockOutput(dir)
	require.Error(t, err)
	assert.Equal(t, KindPrecondition, KindOf(err))

	require.NoError(t, first.Release())

	again, err := lockOutput(dir)
	require.NoError(t, err)
	assert.NoError(t, again.Release())
}

func TestCompressXZ(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "build.log")
	content := bytes.Repeat([]byte("checking for gcc... gcc\n"), 200)
	require.NoError(t, os.WriteFile(src, content, 0o644))

	require.NoError(t, compressXZ(src, src+".xz"))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err), "plain log is removed")

	f, err := os.Open(src + ".xz")
	require.NoError(t, err)
	defer f.Close()
	r, err := xz.NewReader(f)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
