package symbols

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/probemon/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firmware.map")
	require.NoError(t, os.WriteFile(path, []byte("0x20000000 motor_state\n"), 0o600))

	reloaded := make(chan *Table, 4)
	w := NewWatcher(path, 20*time.Millisecond, func(tbl *Table) { reloaded <- tbl }, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before touching the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("0x20000400 motor_state\n"), 0o600))

	select {
	case tbl := <-reloaded:
		addr, err := tbl.Resolve("motor_state")
		require.NoError(t, err)
		assert.Equal(t, uint32(0x20000400), addr)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after map file write")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
