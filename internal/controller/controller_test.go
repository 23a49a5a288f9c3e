package controller

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/probemon/internal/errors"
	"codeberg.org/mutker/probemon/internal/field"
	"codeberg.org/mutker/probemon/internal/logger"
	"codeberg.org/mutker/probemon/internal/sampler"
	"codeberg.org/mutker/probemon/internal/symbols"
	"codeberg.org/mutker/probemon/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	readBase  = 0x20000100
	writeBase = 0x20000200
)

// memTransport is an in-memory target.
type memTransport struct {
	mu         sync.Mutex
	mem        map[uint32]byte
	connected  bool
	connectErr error
	onConnect  func()
	writes     []uint32
}

func newMemTransport() *memTransport {
	return &memTransport{mem: make(map[uint32]byte)}
}

func (m *memTransport) Connect(context.Context, string, int) error {
	if m.onConnect != nil {
		m.onConnect()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *memTransport) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *memTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *memTransport) ReadBytes(_ context.Context, addr uint32, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, errors.New().New(transport.ErrNotConnected)
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = m.mem[addr+uint32(i)]
	}
	return out, nil
}

func (m *memTransport) WriteBytes(_ context.Context, addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New().New(transport.ErrNotConnected)
	}
	m.writes = append(m.writes, addr)
	for i, b := range data {
		m.mem[addr+uint32(i)] = b
	}
	return nil
}

func (m *memTransport) peek(addr uint32, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = m.mem[addr+uint32(i)]
	}
	return out
}

func (m *memTransport) poke(addr uint32, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range data {
		m.mem[addr+uint32(i)] = b
	}
}

func testLayout(t *testing.T) *field.Layout {
	t.Helper()

	groups := []field.Group{
		{Name: "pid_target_cmd", BaseOffset: 8, Stride: 4, Instances: 4},
	}
	specs := []field.Spec{
		{ID: "speed", Type: field.F32, Scale: 1, Unit: "rpm", Offset: 0, Direction: field.Read},
		{ID: "enable", Type: field.U8, Scale: 1, Offset: 0, Direction: field.Write},
		{ID: "current_limit", Type: field.I16, Signed: true, Scale: 0.001, Unit: "A", Offset: 4, Direction: field.Write},
		{ID: "pid_target", Type: field.F32, Scale: 1, Offset: 0, Direction: field.Write, Group: "pid_target_cmd"},
	}
	l, err := field.NewLayout("monitor_read_data", "monitor_write_data", 16, 24, groups, specs)
	require.NoError(t, err)
	return l
}

func testSymbols(t *testing.T) *symbols.Table {
	t.Helper()

	tbl, err := symbols.Parse([]byte(
		".bss.monitor_read_data\n 0x20000100 0x10 mon.o\n" +
			".bss.monitor_write_data\n 0x20000200 0x18 mon.o\n"))
	require.NoError(t, err)
	return tbl
}

type fixture struct {
	ctrl      *Controller
	engine    *sampler.Engine
	transport *memTransport
}

func newFixture(t *testing.T, src SymbolSource) *fixture {
	t.Helper()

	layout := testLayout(t)
	tr := newMemTransport()
	engine := sampler.New(tr, layout, sampler.Config{Interval: 5 * time.Millisecond, RetryDelay: 5 * time.Millisecond}, logger.Nop())
	ctrl := New(Config{Host: "localhost", Port: 4444, Fields: []string{"speed"}}, src, tr, engine, layout, logger.Nop())
	t.Cleanup(func() { _ = ctrl.Disconnect() })

	return &fixture{ctrl: ctrl, engine: engine, transport: tr}
}

func float32Bytes(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func TestConnectStartsSampling(t *testing.T) {
	f := newFixture(t, StaticSymbols(testSymbols(t)))
	f.transport.poke(readBase, float32Bytes(12.5))

	batches, unsubscribe := f.engine.SubscribeChan(1)
	defer unsubscribe()

	require.NoError(t, f.ctrl.Connect(context.Background()))
	assert.Equal(t, Connected, f.ctrl.State())

	r, w := f.ctrl.Bases()
	assert.Equal(t, uint32(readBase), r)
	assert.Equal(t, uint32(writeBase), w)

	select {
	case b := <-batches:
		assert.Equal(t, 12.5, b["speed"].Value)
	case <-time.After(2 * time.Second):
		t.Fatal("no batch after connect")
	}

	// Connecting again is a no-op.
	require.NoError(t, f.ctrl.Connect(context.Background()))
}

func TestConnectMissingSymbol(t *testing.T) {
	tbl, err := symbols.Parse([]byte("0x20000100 monitor_read_data\n"))
	require.NoError(t, err)
	f := newFixture(t, StaticSymbols(tbl))

	err = f.ctrl.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrResolution))
	assert.True(t, errors.HasCode(err, symbols.ErrNotFound))
	assert.Equal(t, Failed, f.ctrl.State())
	assert.Equal(t, err, f.ctrl.LastError())
	assert.False(t, f.transport.Connected())
}

func TestConnectSymbolSourceFails(t *testing.T) {
	f := newFixture(t, FileSymbols("/nonexistent/firmware.map"))

	err := f.ctrl.Connect(context.Background())
	assert.True(t, errors.HasCode(err, ErrResolution))
	assert.True(t, errors.HasCode(err, symbols.ErrReadMap))
}

func TestConnectTransportFails(t *testing.T) {
	f := newFixture(t, StaticSymbols(testSymbols(t)))
	f.transport.connectErr = errors.New().New(transport.ErrConnectFailed)

	err := f.ctrl.Connect(context.Background())
	assert.True(t, transport.IsConnectionError(err))
	assert.Equal(t, Failed, f.ctrl.State())
	assert.Equal(t, sampler.Idle, f.engine.Status().State)
}

func TestWriteField(t *testing.T) {
	f := newFixture(t, StaticSymbols(testSymbols(t)))
	ctx := context.Background()

	err := f.ctrl.WriteField(ctx, "current_limit", 1.5)
	assert.True(t, errors.HasCode(err, transport.ErrNotConnected))

	require.NoError(t, f.ctrl.Connect(ctx))

	require.NoError(t, f.ctrl.WriteField(ctx, "current_limit", -1.5))
	got := f.transport.peek(writeBase+4, 2)
	assert.Equal(t, int16(-1500), int16(binary.LittleEndian.Uint16(got)))

	require.NoError(t, f.ctrl.SetInstance(2))
	require.NoError(t, f.ctrl.WriteField(ctx, "pid_target", 3.25))
	// 8 + 2*4
	got = f.transport.peek(writeBase+16, 4)
	assert.Equal(t, float32(3.25), math.Float32frombits(binary.LittleEndian.Uint32(got)))

	err = f.ctrl.WriteField(ctx, "speed", 1)
	assert.True(t, errors.HasCode(err, field.ErrWrongDirection))

	err = f.ctrl.WriteField(ctx, "missing", 1)
	assert.True(t, errors.HasCode(err, field.ErrUnknownField))
}

func TestWriteFieldConcurrentWithSampling(t *testing.T) {
	f := newFixture(t, StaticSymbols(testSymbols(t)))
	ctx := context.Background()
	require.NoError(t, f.ctrl.Connect(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				assert.NoError(t, f.ctrl.WriteField(ctx, "enable", float64(i)))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, Connected, f.ctrl.State())
}

func TestSetActiveFields(t *testing.T) {
	f := newFixture(t, StaticSymbols(testSymbols(t)))

	err := f.ctrl.SetActiveFields([]string{"enable"})
	assert.True(t, errors.HasCode(err, field.ErrWrongDirection))

	require.NoError(t, f.ctrl.SetActiveFields([]string{}))
	require.NoError(t, f.ctrl.Connect(context.Background()))
	assert.Empty(t, f.engine.ActiveFields())

	require.NoError(t, f.ctrl.SetActiveFields([]string{"speed"}))
	assert.Equal(t, []string{"speed"}, f.engine.ActiveFields())
}

func TestSetActiveFieldsDuringConnect(t *testing.T) {
	f := newFixture(t, StaticSymbols(testSymbols(t)))

	done := make(chan error, 1)
	f.transport.onConnect = func() {
		go func() { done <- f.ctrl.SetActiveFields([]string{}) }()
		// SetActiveFields must wait for Connect to start the engine.
		select {
		case err := <-done:
			done <- err
			t.Error("SetActiveFields finished while Connect was in progress")
		case <-time.After(50 * time.Millisecond):
		}
	}

	require.NoError(t, f.ctrl.Connect(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SetActiveFields did not return after Connect")
	}
	assert.Empty(t, f.engine.ActiveFields())
}

func TestDisconnectIdempotent(t *testing.T) {
	f := newFixture(t, StaticSymbols(testSymbols(t)))
	require.NoError(t, f.ctrl.Connect(context.Background()))

	require.NoError(t, f.ctrl.Disconnect())
	assert.Equal(t, Disconnected, f.ctrl.State())
	assert.False(t, f.transport.Connected())
	assert.Equal(t, sampler.Idle, f.engine.Status().State)

	require.NoError(t, f.ctrl.Disconnect())

	require.NoError(t, f.ctrl.Reconnect(context.Background()))
	assert.Equal(t, Connected, f.ctrl.State())
}

func TestHandleSamplerStatus(t *testing.T) {
	f := newFixture(t, StaticSymbols(testSymbols(t)))
	require.NoError(t, f.ctrl.Connect(context.Background()))

	f.ctrl.HandleSamplerStatus(sampler.Status{State: sampler.Running, ConsecutiveFailures: 1})
	assert.Equal(t, Connected, f.ctrl.State())

	lost := errors.New().New(sampler.ErrFailureLimit)
	f.ctrl.HandleSamplerStatus(sampler.Status{State: sampler.Idle, LastError: lost})
	assert.Equal(t, Failed, f.ctrl.State())
	assert.Equal(t, lost, f.ctrl.LastError())
}
