package session

import (
	"os"
	"path/filepath"
	"testing"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirResolver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "intro.mp4"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	r := DirResolver{Dir: dir}

	path, err := r.Resolve("intro.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "intro.mp4"), path)

	path, err = r.Resolve(filepath.Join(dir, "intro.mp4"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "intro.mp4"), path)

	_, err = r.Resolve("missing.mp4")
	assert.ErrorIs(t, err, serrors.ErrMediaNotFound)

	_, err = r.Resolve("sub")
	assert.ErrorIs(t, err, serrors.ErrMediaNotFound)

	_, err = r.Resolve("../etc/passwd")
	assert.ErrorIs(t, err, serrors.ErrValidation)

	_, err = r.Resolve(" ")
	assert.ErrorIs(t, err, serrors.ErrValidation)
}
