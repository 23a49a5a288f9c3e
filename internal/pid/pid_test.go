package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/probemon/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/run", "probemon-localhost-4444.pid"), Path("/run", "localhost", 4444))
	assert.Equal(t, filepath.Join("/run", "probemon-__1-4444.pid"), Path("/run", "::1", 4444))
}

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "localhost", 4444)
	require.NoError(t, err)

	data, err := os.ReadFile(lock.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	// Another endpoint is independent.
	other, err := Acquire(dir, "localhost", 4445)
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, lock.Path())
	assert.NoError(t, lock.Release())
}

func TestAcquireHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "localhost", 4444)

	// The parent of the test binary is alive for the duration of the test.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o600))

	_, err := Acquire(dir, "localhost", 4444)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestAcquireTakesOverStaleFile(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "localhost", 4444)
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o600))

	lock, err := Acquire(dir, "localhost", 4444)
	require.NoError(t, err)
	assert.NoError(t, lock.Release())
}
