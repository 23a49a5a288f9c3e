// Package sampler polls a span of target memory at a fixed cadence and
// publishes decoded field values.
package sampler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/probemon/internal/codec"
	"codeberg.org/mutker/probemon/internal/errors"
	"codeberg.org/mutker/probemon/internal/field"
	"codeberg.org/mutker/probemon/internal/history"
	"codeberg.org/mutker/probemon/internal/logger"
)

type Sample = history.Sample

// Batch holds the values decoded in one tick, keyed by field id.
type Batch map[string]Sample

// Listener receives every batch. Listeners run on the polling goroutine
// and must not block or call Stop.
type Listener func(Batch)

// StatusFunc is notified on every failed tick and on recovery.
type StatusFunc func(Status)

type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

type Status struct {
	State               State
	ConsecutiveFailures int
	TotalFailures       int
	LastError           error
	Ticks               uint64
}

type Option func(*Engine)

// WithClock replaces time.Now for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithStatusFunc(fn StatusFunc) Option {
	return func(e *Engine) { e.onStatus = fn }
}

type planned struct {
	spec   field.Spec
	offset int
}

// plan is the set of fields decoded each tick and the span covering them.
type plan struct {
	ids    []string
	fields []planned
	start  int
	length int
}

// Engine is the sampling loop. All methods are safe for concurrent use.
type Engine struct {
	reader   Reader
	catalog  Catalog
	cfg      Config
	log      logger.Logger
	now      func() time.Time
	onStatus StatusFunc

	mu       sync.Mutex
	readBase uint32
	instance int
	plan     plan
	// generation advances on every instance switch.
	generation uint64
	status     Status
	histories  map[string]*history.Buffer
	listeners  map[int]Listener
	nextID     int
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(reader Reader, catalog Catalog, cfg Config, log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		reader:    reader,
		catalog:   catalog,
		cfg:       cfg.withDefaults(),
		log:       log.With("sampler"),
		now:       time.Now,
		histories: make(map[string]*history.Buffer),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins polling the fields ids relative to readBase.
func (e *Engine) Start(readBase uint32, ids []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.State == Running {
		return errors.New().New(ErrAlreadyRunning)
	}

	p, err := e.buildPlan(ids, e.instance)
	if err != nil {
		return err
	}

	if e.cancel != nil {
		// Left behind by a loop that gave up on its own.
		e.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.readBase = readBase
	e.plan = p
	e.status = Status{State: Running}
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.run(ctx, e.done)

	e.log.Info().
		Str("read_base", fmt.Sprintf("0x%08x", readBase)).
		Int("fields", len(p.fields)).
		Int("span", p.length).
		Msg("Sampling started")

	return nil
}

// Stop ends the loop and waits for it to exit. No batch is published
// after Stop returns. Histories are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	e.mu.Lock()
	e.status.State = Idle
	e.histories = make(map[string]*history.Buffer)
	e.mu.Unlock()

	e.log.Info().Msg("Sampling stopped")
}

// SetActiveFields replaces the polled field set. A running loop picks the
// new span up on its next tick.
func (e *Engine) SetActiveFields(ids []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.buildPlan(ids, e.instance)
	if err != nil {
		return err
	}
	e.plan = p

	e.log.Debug().Strs("fields", p.ids).Int("span", p.length).Msg("Active fields changed")
	return nil
}

func (e *Engine) ActiveFields() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.plan.ids...)
}

// SetInstance switches the instance index used for grouped fields.
// Histories are cleared because they belong to the previous instance.
func (e *Engine) SetInstance(instance int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.buildPlan(e.plan.ids, instance)
	if err != nil {
		return err
	}
	e.plan = p
	e.instance = instance
	e.generation++
	e.histories = make(map[string]*history.Buffer)

	e.log.Info().Int("instance", instance).Msg("Instance changed")
	return nil
}

func (e *Engine) Instance() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance
}

// Subscribe registers fn for every published batch and returns a func
// that removes it.
func (e *Engine) Subscribe(fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.listeners[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// SubscribeChan delivers batches on a channel with the given buffer.
// Batches are dropped while the channel is full so a slow consumer never
// stalls the loop.
func (e *Engine) SubscribeChan(buffer int) (<-chan Batch, func()) {
	ch := make(chan Batch, buffer)
	unsubscribe := e.Subscribe(func(b Batch) {
		select {
		case ch <- b:
		default:
		}
	})
	return ch, unsubscribe
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// History returns a snapshot of the samples kept for id, oldest first.
func (e *Engine) History(id string) []Sample {
	e.mu.Lock()
	buf := e.histories[id]
	e.mu.Unlock()

	if buf == nil {
		return nil
	}
	return buf.Snapshot()
}

func (e *Engine) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.histories = make(map[string]*history.Buffer)
}

func (e *Engine) buildPlan(ids []string, instance int) (plan, error) {
	errFactory := errors.New()

	seen := make(map[string]bool, len(ids))
	p := plan{}
	end := 0

	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		spec, ok := e.catalog.Field(id)
		if !ok {
			return plan{}, errFactory.WithData(field.ErrUnknownField, id)
		}
		if spec.Direction != field.Read {
			return plan{}, errFactory.WithData(field.ErrWrongDirection, id)
		}
		off, err := e.catalog.Offset(spec, instance)
		if err != nil {
			return plan{}, err
		}

		if len(p.fields) == 0 || off < p.start {
			p.start = off
		}
		if off+spec.Size() > end {
			end = off + spec.Size()
		}
		p.ids = append(p.ids, id)
		p.fields = append(p.fields, planned{spec: spec, offset: off})
	}

	if len(p.fields) > 0 {
		p.length = end - p.start
	}
	sort.Strings(p.ids)

	return p, nil
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(e.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delay := e.cfg.Interval
		if err := e.tick(ctx); err != nil {
			if e.failed(err) {
				return
			}
			delay = e.cfg.RetryDelay
		}
		timer.Reset(delay)
	}
}

// tick performs one read and publishes what decodes. Only transport
// failures are returned.
func (e *Engine) tick(ctx context.Context) error {
	e.mu.Lock()
	p, base, gen := e.plan, e.readBase, e.generation
	e.mu.Unlock()

	if len(p.fields) == 0 {
		return nil
	}

	// The read is bounded by the transport timeout. It is not cancelled by
	// Stop so the connection is not torn down mid-exchange.
	raw, err := e.reader.ReadBytes(context.WithoutCancel(ctx), base+uint32(p.start), p.length)
	if err != nil {
		return err
	}
	now := e.now()

	batch := make(Batch, len(p.fields))
	for _, f := range p.fields {
		rel := f.offset - p.start
		if rel > len(raw) {
			rel = len(raw)
		}
		v, err := codec.Decode(raw[rel:], f.spec)
		if err != nil {
			e.log.Debug().Err(err).Str("field", f.spec.ID).Msg("Skipping field")
			continue
		}
		batch[f.spec.ID] = Sample{FieldID: f.spec.ID, Value: v, Unit: f.spec.Unit, Timestamp: now}
	}

	if ctx.Err() != nil {
		return nil
	}
	e.publish(batch, gen)
	return nil
}

// publish records a successful tick. A batch read for an instance that
// has since been switched away from is dropped.
func (e *Engine) publish(batch Batch, gen uint64) {
	e.mu.Lock()
	if gen != e.generation {
		e.log.Debug().Msg("Dropping batch from previous instance")
		batch = nil
	}
	recovered := e.status.ConsecutiveFailures > 0
	e.status.ConsecutiveFailures = 0
	e.status.Ticks++
	status := e.status

	for id, s := range batch {
		buf := e.histories[id]
		if buf == nil {
			buf = history.NewBuffer(e.cfg.HistorySize, e.cfg.HistoryWindow)
			e.histories[id] = buf
		}
		buf.Add(s)
	}

	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()

	if recovered {
		e.log.Info().Msg("Sampling recovered")
		e.notify(status)
	}
	if len(batch) == 0 {
		return
	}
	for _, l := range listeners {
		l(batch)
	}
}

// failed records a transport failure and reports whether the failure
// budget is exhausted.
func (e *Engine) failed(err error) bool {
	e.mu.Lock()
	e.status.ConsecutiveFailures++
	e.status.TotalFailures++
	e.status.LastError = err

	exhausted := e.cfg.MaxConsecutiveFailures > 0 &&
		e.status.ConsecutiveFailures >= e.cfg.MaxConsecutiveFailures
	if exhausted {
		e.status.State = Idle
		e.status.LastError = errors.New().Wrap(ErrFailureLimit, err)
	}
	status := e.status
	e.mu.Unlock()

	e.log.Warn().
		Err(err).
		Int("consecutive", status.ConsecutiveFailures).
		Msg("Sampling read failed")

	if exhausted {
		e.log.Error().Int("failures", status.ConsecutiveFailures).Msg("Giving up after repeated read failures")
	}

	e.notify(status)
	return exhausted
}

func (e *Engine) notify(s Status) {
	if e.onStatus != nil {
		e.onStatus(s)
	}
}
