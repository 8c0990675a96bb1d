package device

import (
	"errors"
	"time"
)

// Timer measures the device time between two points of a stream.
//
//	t, err := dev.NewTimer(stream)
//	t.Start()
//	... issue work ...
//	t.Stop()
//	t.Report("build")
type Timer struct {
	dev         *Checked
	stream      StreamID
	start, stop EventID
}

// NewTimer creates a timer on stream s with two private events.
func (c *Checked) NewTimer(s StreamID) (*Timer, error) {
	start, err := c.CreateEvent()
	if err != nil {
		return nil, err
	}
	stop, err := c.CreateEvent()
	if err != nil {
		return nil, errors.Join(err, c.DestroyEvent(start))
	}
	return &Timer{dev: c, stream: s, start: start, stop: stop}, nil
}

// Start drains the stream and records the start event.
func (t *Timer) Start() error {
	if err := t.dev.SynchronizeStream(t.stream); err != nil {
		return err
	}
	return t.dev.RecordEvent(t.start, t.stream)
}

// Stop records the stop event and waits for it.
func (t *Timer) Stop() error {
	if err := t.dev.RecordEvent(t.stop, t.stream); err != nil {
		return err
	}
	return t.dev.SynchronizeEvent(t.stop)
}

// Elapsed returns the time between Start and Stop.
func (t *Timer) Elapsed() (time.Duration, error) {
	return t.dev.ElapsedTime(t.start, t.stop)
}

// Report logs the elapsed time under label and returns it.
func (t *Timer) Report(label string) (time.Duration, error) {
	d, err := t.Elapsed()
	if err != nil {
		return 0, err
	}
	slogger().Info("device: timing", "label", label, "elapsed", d)
	return d, nil
}

// Close destroys the timer's events.
func (t *Timer) Close() error {
	return errors.Join(t.dev.DestroyEvent(t.start), t.dev.DestroyEvent(t.stop))
}
