package symbols

import (
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/probemon/internal/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSectionNameOnOwnLine(t *testing.T) {
	tbl, err := Parse([]byte(".bss.mod.sensorValue\n    0x20000010        4\n"))
	require.NoError(t, err)

	addr, err := tbl.Resolve("sensorValue")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20000010), addr)
}

func TestParseGNUMap(t *testing.T) {
	text := `
Memory Configuration

Name             Origin             Length             Attributes
FLASH            0x08000000         0x00100000         xr

 .bss.monitor_read_data
                0x20000100       0x120 build/app/mon.o

 .bss.monitor_write_data
                0x20000220        0x50 build/app/mon.o
                0x20000220                monitor_write_data
 .data.tick_count   0x20000010        0x4 build/app/tick.o
 *fill*         0x20000014        0x4
`
	tbl, err := Parse([]byte(text))
	require.NoError(t, err)

	want := map[string]uint32{
		"monitor_read_data":  0x20000100,
		"monitor_write_data": 0x20000220,
		"tick_count":         0x20000010,
	}
	for name, addr := range want {
		got, err := tbl.Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, addr, got, name)
	}
}

func TestParseFlatDump(t *testing.T) {
	text := "0x08000000 g_pfnVectors\n0x20000000 motor_state\nnot a symbol line\n0x2000zzzz broken\n"
	tbl, err := Parse([]byte(text))
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"g_pfnVectors", "motor_state"}, tbl.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLastOccurrenceWins(t *testing.T) {
	text := ".bss.moduleA.counter\n 0x20000000 4\n.bss.moduleB.counter\n 0x20000040 4\n"
	tbl, err := Parse([]byte(text))
	require.NoError(t, err)

	addr, err := tbl.Resolve("counter")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20000040), addr)
}

func TestParseSkipsMalformedLines(t *testing.T) {
	text := ".bss.\n.bss.orphan\n\n   no address here\n.text.main\n  0x08000100 0x40\n0xffffffffff too_wide\n"
	tbl, err := Parse([]byte(text))
	require.NoError(t, err)

	assert.Equal(t, 1, tbl.Len())
	addr, err := tbl.Resolve("main")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x08000100), addr)

	_, err = tbl.Resolve("orphan")
	assert.True(t, errors.HasCode(err, ErrNotFound))
}

func TestParseUnreadable(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"no symbols", []byte("hello\nworld\n")},
		{"binary", []byte{0x7f, 'E', 'L', 'F', 0x00, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, ErrParse))
		})
	}
}

func TestParseSkipsNonTextLines(t *testing.T) {
	data := []byte("LOAD C:/Users/\xd6\xd0\xce\xc4/build/main.o\n" +
		"LOAD obj\x00.o\n" +
		".bss.mod.sensorValue\n" +
		"    0x20000010        4\n")

	tbl, err := Parse(data)
	require.NoError(t, err)

	addr, err := tbl.Resolve("sensorValue")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20000010), addr)
}

func TestParseSectionFollowedBySection(t *testing.T) {
	data := []byte(".data.longname\n" +
		" .data.other      0x20000004       0x4 foo.o\n")

	tbl, err := Parse(data)
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"other"}, tbl.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	addr, err := tbl.Resolve("other")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x20000004), addr)

	_, err = tbl.Resolve("longname")
	assert.True(t, errors.HasCode(err, ErrNotFound))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firmware.map")
	require.NoError(t, os.WriteFile(path, []byte("0x20000000 motor_state\n"), 0o600))

	tbl, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.map"))
	assert.True(t, errors.HasCode(err, ErrReadMap))
}

func TestNilTable(t *testing.T) {
	var tbl *Table
	_, err := tbl.Resolve("x")
	assert.True(t, errors.HasCode(err, ErrNotFound))
	assert.Zero(t, tbl.Len())
}
