package registry

import (
	"os"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	reg, err := New("")
	require.NoError(t, err)
	dir := reg.Dir()
	assert.DirExists(t, dir)

	path, err := reg.Reserve("admin")
	require.NoError(t, err)
	assert.Equal(t, reg.Path("admin"), path)

	require.NoError(t, reg.Record("admin", "cafe01"))
	require.NoError(t, reg.Record("no_admin", "beef02"))
	// recording the same id twice is fine
	require.NoError(t, reg.Record("admin", "cafe01"))

	id, err := reg.Lookup("admin")
	require.NoError(t, err)
	assert.Equal(t, "cafe01", id)

	entries, err := reg.Entries()
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Name: "admin", ID: "cafe01"}, {Name: "no_admin", ID: "beef02"}}, entries)

	require.NoError(t, reg.Forget("admin"))
	require.NoError(t, reg.Forget("no_admin"))
	require.NoError(t, reg.Forget("never_recorded"))

	require.NoError(t, reg.Close())
	assert.NoDirExists(t, dir)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, reg.Record("admin", "cafe01"))

	_, err = reg.Reserve("admin")
	assert.Equal(t, ErrExists, errors.Cause(err))

	err = reg.Record("admin", "other")
	assert.Equal(t, ErrExists, errors.Cause(err))

	_, err = reg.Reserve("../escape")
	assert.Error(t, err)
}

func TestRegistryLookupMissing(t *testing.T) {
	reg, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = reg.Lookup("ghost")
	assert.Equal(t, ErrNotFound, errors.Cause(err))

	// an aborted create can leave an empty file behind
	require.NoError(t, os.WriteFile(reg.Path("aborted"), nil, 0600))
	_, err = reg.Lookup("aborted")
	assert.Equal(t, ErrNotFound, errors.Cause(err))

	entries, err := reg.Entries()
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Name: "aborted"}}, entries)
}

func TestRegistryCloseKeepsCallerDir(t *testing.T) {
	dir := t.TempDir()
	reg, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, reg.Close())
	assert.DirExists(t, dir)
}
