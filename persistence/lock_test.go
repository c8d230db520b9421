package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockDataDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.lock")
	lock, err := LockDataDir(path)
	require.NoError(t, err)
	require.NotNil(t, lock)
	defer lock.Unlock()

	_, err = LockDataDir(path)
	assert.Error(t, err)

	none, err := LockDataDir("")
	assert.NoError(t, err)
	assert.Nil(t, none)
}
