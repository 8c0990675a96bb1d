package device

import (
	"fmt"
	"sync"
	"time"
)

// stream is an in-order queue of operations executed by one goroutine.
type stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ops    []func()
	closed bool
	done   chan struct{}
}

func newStream() *stream {
	st := &stream{done: make(chan struct{})}
	st.cond = sync.NewCond(&st.mu)
	go st.run()
	return st
}

func (st *stream) run() {
	defer close(st.done)
	for {
		st.mu.Lock()
		for len(st.ops) == 0 && !st.closed {
			st.cond.Wait()
		}
		if len(st.ops) == 0 {
			st.mu.Unlock()
			return
		}
		op := st.ops[0]
		st.ops[0] = nil
		st.ops = st.ops[1:]
		st.mu.Unlock()

		op()
	}
}

func (st *stream) push(op func()) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	st.ops = append(st.ops, op)
	st.cond.Signal()
	return true
}

// sync blocks until every operation pushed before it has run.
func (st *stream) sync() {
	marker := make(chan struct{})
	if !st.push(func() { close(marker) }) {
		<-st.done
		return
	}
	<-marker
}

// close drains outstanding operations and stops the goroutine.
func (st *stream) close() {
	st.mu.Lock()
	st.closed = true
	st.cond.Signal()
	st.mu.Unlock()
	<-st.done
}

// recordPoint is one record of an event. done is closed when the stream
// reaches the point; at is valid afterwards.
type recordPoint struct {
	done chan struct{}
	at   time.Time
}

func (p *recordPoint) completed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// event holds the most recent record point, nil if never recorded.
type event struct {
	last *recordPoint
}

func (c *CPU) lookupStream(sid StreamID) (*stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	st, ok := c.streams[sid]
	if !ok {
		return nil, fmt.Errorf("%w: stream %d", ErrInvalidHandle, uint64(sid))
	}
	return st, nil
}

// enqueue pushes op onto stream sid.
func (c *CPU) enqueue(sid StreamID, op func()) error {
	st, err := c.lookupStream(sid)
	if err != nil {
		return err
	}
	if !st.push(op) {
		return fmt.Errorf("%w: stream %d", ErrInvalidHandle, uint64(sid))
	}
	return nil
}

// =============================================================================
// Streams
// =============================================================================

// CreateStream creates an in-order execution stream.
func (c *CPU) CreateStream() (StreamID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return InvalidID, ErrClosed
	}
	id := StreamID(c.newIDLocked())
	c.streams[id] = newStream()
	return id, nil
}

// DestroyStream waits for outstanding work and destroys the stream.
func (c *CPU) DestroyStream(sid StreamID) error {
	c.mu.Lock()
	st, ok := c.streams[sid]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: stream %d", ErrInvalidHandle, uint64(sid))
	}
	delete(c.streams, sid)
	c.mu.Unlock()

	st.close()
	return nil
}

// SynchronizeStream blocks until all work issued on sid has completed.
func (c *CPU) SynchronizeStream(sid StreamID) error {
	st, err := c.lookupStream(sid)
	if err != nil {
		return err
	}
	st.sync()
	return nil
}

// =============================================================================
// Events
// =============================================================================

// CreateEvent creates an event.
func (c *CPU) CreateEvent() (EventID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return InvalidID, ErrClosed
	}
	id := EventID(c.newIDLocked())
	c.events[id] = &event{}
	return id, nil
}

// DestroyEvent destroys an event. Pending waits on it are unaffected.
func (c *CPU) DestroyEvent(e EventID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.events[e]; !ok {
		return fmt.Errorf("%w: event %d", ErrInvalidHandle, uint64(e))
	}
	delete(c.events, e)
	return nil
}

// RecordEvent marks the current end of stream sid.
func (c *CPU) RecordEvent(e EventID, sid StreamID) error {
	st, err := c.lookupStream(sid)
	if err != nil {
		return err
	}

	c.mu.Lock()
	_, ok := c.events[e]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: event %d", ErrInvalidHandle, uint64(e))
	}

	// The record point is published only once it is queued, so waiters
	// never block on a point no stream will close.
	p := &recordPoint{done: make(chan struct{})}
	if !st.push(func() {
		p.at = time.Now()
		close(p.done)
	}) {
		return fmt.Errorf("%w: stream %d", ErrInvalidHandle, uint64(sid))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[e]
	if !ok {
		return fmt.Errorf("%w: event %d", ErrInvalidHandle, uint64(e))
	}
	ev.last = p
	return nil
}

// lastRecord returns the most recent record point of e.
func (c *CPU) lastRecord(e EventID) (*recordPoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev, ok := c.events[e]
	if !ok {
		return nil, fmt.Errorf("%w: event %d", ErrInvalidHandle, uint64(e))
	}
	return ev.last, nil
}

// WaitEvent makes work issued on sid after this call wait for the record
// of e that is current now. Later records do not affect the wait.
func (c *CPU) WaitEvent(e EventID, sid StreamID) error {
	p, err := c.lastRecord(e)
	if err != nil {
		return err
	}
	st, err := c.lookupStream(sid)
	if err != nil {
		return err
	}
	if p == nil {
		return nil
	}
	if !st.push(func() { <-p.done }) {
		return fmt.Errorf("%w: stream %d", ErrInvalidHandle, uint64(sid))
	}
	return nil
}

// SynchronizeEvent blocks until the most recent record of e completed.
func (c *CPU) SynchronizeEvent(e EventID) error {
	p, err := c.lastRecord(e)
	if err != nil {
		return err
	}
	if p != nil {
		<-p.done
	}
	return nil
}

// ElapsedTime returns the time between the completion of two events.
func (c *CPU) ElapsedTime(from, to EventID) (time.Duration, error) {
	pf, err := c.lastRecord(from)
	if err != nil {
		return 0, err
	}
	pt, err := c.lastRecord(to)
	if err != nil {
		return 0, err
	}
	if pf == nil || pt == nil || !pf.completed() || !pt.completed() {
		return 0, ErrNotReady
	}
	return pt.at.Sub(pf.at), nil
}

// =============================================================================
// Kernels
// =============================================================================

// Launch issues kernel k with geometry cfg on stream sid. Blocks of the grid
// run concurrently on the worker pool; the stream advances once all of them
// returned. A panicking block leaves a sticky fault readable by LastError.
func (c *CPU) Launch(sid StreamID, cfg LaunchConfig, k Kernel) error {
	if k == nil {
		return fmt.Errorf("%w: %s has no kernel", ErrInvalidLaunch, cfg.Name)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	return c.enqueue(sid, func() { c.execute(cfg, k) })
}

func (c *CPU) execute(cfg LaunchConfig, k Kernel) {
	gx, gy := cfg.Grid.X, cfg.Grid.Y
	c.pool.Dispatch(cfg.Grid.Count(), func(i int) {
		b := Block{
			Idx:  Dim3{X: i % gx, Y: (i / gx) % gy, Z: i / (gx * gy)},
			Dim:  cfg.Block,
			Grid: cfg.Grid,
		}
		defer func() {
			if r := recover(); r != nil {
				c.setFault(fmt.Errorf("%w: %s block %+v: %v", ErrKernelFault, cfg.Name, b.Idx, r))
			}
		}()
		k(b)
	})
}

// setFault stores err unless a fault is already pending.
func (c *CPU) setFault(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.lastErr == nil {
		c.lastErr = err
		slogger().Error("device: kernel fault", "err", err)
	}
}

// LastError returns and clears the sticky kernel fault.
func (c *CPU) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	err := c.lastErr
	c.lastErr = nil
	return err
}

var _ Backend = (*CPU)(nil)
