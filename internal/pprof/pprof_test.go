package pprof

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Camifryou/whatsappcrm/internal/logger"
)

func quiet() *logger.Logger {
	return logger.NewWriter(logger.LevelNone, io.Discard, "")
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{HTTPAddr: "localhost:6060"}.Enabled())
	assert.True(t, Config{HeapProfile: "heap.out"}.Enabled())
}

func TestProfilesWrittenOnStop(t *testing.T) {
	dir := t.TempDir()
	h := NewHandler(Config{
		CPUProfile:  filepath.Join(dir, "cpu", "cpu.out"),
		HeapProfile: filepath.Join(dir, "heap", "heap.out"),
	}, quiet())

	require.NoError(t, h.Start())
	require.NoError(t, h.Start())
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())

	for _, name := range []string{"cpu/cpu.out", "heap/heap.out"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Positive(t, info.Size(), name)
	}
}

func TestServeWithoutAddrReturns(t *testing.T) {
	h := NewHandler(Config{}, quiet())
	assert.NoError(t, h.Serve(context.Background()))
}

func TestRouterServesIndex(t *testing.T) {
	srv := httptest.NewServer(Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/pprof/goroutine?debug=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
