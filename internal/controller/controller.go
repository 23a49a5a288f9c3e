// Package controller ties symbol resolution, the probe transport and the
// sampling engine into one connection lifecycle.
package controller

import (
	"context"
	"fmt"
	"sync"

	"codeberg.org/mutker/probemon/internal/codec"
	"codeberg.org/mutker/probemon/internal/errors"
	"codeberg.org/mutker/probemon/internal/field"
	"codeberg.org/mutker/probemon/internal/logger"
	"codeberg.org/mutker/probemon/internal/sampler"
	"codeberg.org/mutker/probemon/internal/transport"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "disconnected"
	}
}

type Config struct {
	Host   string
	Port   int
	Fields []string
}

type Controller struct {
	cfg       Config
	symbols   SymbolSource
	transport transport.Transport
	engine    Engine
	layout    *field.Layout
	log       logger.Logger

	// lifecycle serialises Connect and Disconnect. mu guards the fields
	// below and is never held while waiting on the engine.
	lifecycle sync.Mutex
	mu        sync.Mutex
	state     State
	lastErr   error
	fields    []string
	readBase  uint32
	writeBase uint32
}

func New(
	cfg Config,
	symbols SymbolSource,
	tr transport.Transport,
	engine Engine,
	layout *field.Layout,
	log logger.Logger,
) *Controller {
	return &Controller{
		cfg:       cfg,
		symbols:   symbols,
		transport: tr,
		engine:    engine,
		layout:    layout,
		log:       log.With("controller"),
		fields:    append([]string(nil), cfg.Fields...),
	}
}

// Connect resolves the read and write struct symbols, opens the transport
// and starts sampling the active fields. Calling Connect while connected
// is a no-op.
func (c *Controller) Connect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	fields := append([]string(nil), c.fields...)
	c.mu.Unlock()

	readBase, writeBase, err := c.resolve()
	if err != nil {
		return c.fail(err)
	}

	if err := c.transport.Connect(ctx, c.cfg.Host, c.cfg.Port); err != nil {
		return c.fail(err)
	}

	if err := c.engine.Start(readBase, fields); err != nil {
		_ = c.transport.Disconnect()
		return c.fail(err)
	}

	c.mu.Lock()
	c.readBase, c.writeBase = readBase, writeBase
	c.state = Connected
	c.lastErr = nil
	c.mu.Unlock()

	c.log.Info().
		Str("read_struct", c.layout.ReadStruct).
		Str("read_base", fmt.Sprintf("0x%08x", readBase)).
		Str("write_struct", c.layout.WriteStruct).
		Str("write_base", fmt.Sprintf("0x%08x", writeBase)).
		Msg("Connected")

	return nil
}

func (c *Controller) resolve() (uint32, uint32, error) {
	errFactory := errors.New()

	tbl, err := c.symbols()
	if err != nil {
		return 0, 0, errFactory.Wrap(ErrResolution, err)
	}

	readBase, err := tbl.Resolve(c.layout.ReadStruct)
	if err != nil {
		return 0, 0, errFactory.Wrap(ErrResolution, err).WithData(c.layout.ReadStruct)
	}
	writeBase, err := tbl.Resolve(c.layout.WriteStruct)
	if err != nil {
		return 0, 0, errFactory.Wrap(ErrResolution, err).WithData(c.layout.WriteStruct)
	}

	return readBase, writeBase, nil
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.state = Failed
	c.lastErr = err
	c.mu.Unlock()

	c.log.Error().Err(err).Msg("Connect failed")
	return err
}

// Disconnect stops sampling and closes the transport. It is idempotent.
func (c *Controller) Disconnect() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.engine.Stop()
	err := c.transport.Disconnect()

	c.mu.Lock()
	was := c.state
	c.state = Disconnected
	c.mu.Unlock()

	if was != Disconnected {
		c.log.Info().Msg("Disconnected")
	}
	return err
}

// Reconnect re-resolves symbols and restarts sampling, used after the
// target is reflashed.
func (c *Controller) Reconnect(ctx context.Context) error {
	if err := c.Disconnect(); err != nil {
		c.log.Warn().Err(err).Msg("Disconnect before reconnect failed")
	}
	return c.Connect(ctx)
}

// WriteField encodes value for the WRITE field id and stores it at its
// effective address in the write struct. It may run concurrently with
// sampling.
func (c *Controller) WriteField(ctx context.Context, id string, value float64) error {
	errFactory := errors.New()

	spec, ok := c.layout.Field(id)
	if !ok {
		return errFactory.WithData(field.ErrUnknownField, id)
	}
	if spec.Direction != field.Write {
		return errFactory.WithData(field.ErrWrongDirection, id)
	}

	c.mu.Lock()
	state, writeBase := c.state, c.writeBase
	c.mu.Unlock()

	if state != Connected {
		return errFactory.WithData(transport.ErrNotConnected, id)
	}

	off, err := c.layout.Offset(spec, c.engine.Instance())
	if err != nil {
		return err
	}
	raw, err := codec.Encode(value, spec)
	if err != nil {
		return err
	}

	addr := writeBase + uint32(off)
	if err := c.transport.WriteBytes(ctx, addr, raw); err != nil {
		return err
	}

	c.log.Debug().
		Str("field", id).
		Float64("value", value).
		Str("addr", fmt.Sprintf("0x%08x", addr)).
		Msg("Field written")

	return nil
}

// SetActiveFields changes the sampled field set, live when connected.
func (c *Controller) SetActiveFields(ids []string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.engine.SetActiveFields(ids); err != nil {
		return err
	}
	c.fields = append([]string(nil), ids...)
	return nil
}

// SetInstance selects the repeated sub-structure both sampling and
// writes address.
func (c *Controller) SetInstance(instance int) error {
	return c.engine.SetInstance(instance)
}

func (c *Controller) Subscribe(fn sampler.Listener) func() {
	return c.engine.Subscribe(fn)
}

// HandleSamplerStatus marks the connection failed once the sampling loop
// has given up.
func (c *Controller) HandleSamplerStatus(s sampler.Status) {
	if s.State != sampler.Idle {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Connected {
		c.state = Failed
		c.lastErr = s.LastError
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Bases returns the resolved read and write struct addresses.
func (c *Controller) Bases() (read, write uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readBase, c.writeBase
}
