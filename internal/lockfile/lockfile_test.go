package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockfile_AcquireRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "data", "whatsappcrm.lock")
	lock := New(lockPath)

	require.NoError(t, lock.TryAcquire(":3000"))
	assert.True(t, lock.Locked())
	assert.Equal(t, os.Getpid(), lock.Info().PID)

	info, err := Owner(lockPath)
	require.NoError(t, err)
	assert.Equal(t, ":3000", info.Addr)
	assert.Equal(t, os.Getpid(), info.PID)

	require.NoError(t, lock.Release())
	assert.False(t, lock.Locked())
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))

	// Should be able to acquire again
	require.NoError(t, lock.TryAcquire(":3001"))
	require.NoError(t, lock.Release())
}

func TestLockfile_AlreadyLocked(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	lock1 := New(lockPath)
	require.NoError(t, lock1.TryAcquire(":3000"))
	defer lock1.Release()

	lock2 := New(lockPath)
	err := lock2.TryAcquire(":3001")
	assert.ErrorIs(t, err, ErrLocked)
	assert.False(t, lock2.Locked())
}

func TestLockfile_Stale(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"dead pid", fmt.Sprintf("%d\n%s\n:3000\n", 999999, time.Now().Format(time.RFC3339))},
		{"garbage", "not a pid\n"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lockPath := filepath.Join(t.TempDir(), "test.lock")
			require.NoError(t, os.WriteFile(lockPath, []byte(tt.content), 0644))

			lock := New(lockPath)
			require.NoError(t, lock.TryAcquire(":4000"))
			defer lock.Release()

			info, err := Read(lockPath)
			require.NoError(t, err)
			assert.Equal(t, ":4000", info.Addr)
		})
	}
}

func TestOwnerWithoutLock(t *testing.T) {
	_, err := Owner(filepath.Join(t.TempDir(), "missing.lock"))
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestLockfile_ReleaseNotLocked(t *testing.T) {
	lock := New(filepath.Join(t.TempDir(), "test.lock"))
	assert.NoError(t, lock.Release())
}
