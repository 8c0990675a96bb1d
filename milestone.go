package scalespace

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/scalespace/device"
)

// ErrInvalidMilestone is returned for a Milestone outside the defined set.
var ErrInvalidMilestone = errors.New("scalespace: invalid milestone")

// Milestone is a checkpoint of the per-octave pipeline. Each octave has one
// event per milestone; the stage that completes a milestone records it on
// the octave stream, and dependent stages wait on it from their own stream.
type Milestone int

const (
	// MilestoneScaleBuilt follows the last kernel writing the data and
	// difference stacks.
	MilestoneScaleBuilt Milestone = iota

	// MilestoneExtremaDetected follows extremum detection.
	MilestoneExtremaDetected

	// MilestoneOrientationAssigned follows orientation assignment.
	MilestoneOrientationAssigned

	// MilestoneDescriptorComputed follows descriptor extraction.
	MilestoneDescriptorComputed

	numMilestones
)

// String returns the milestone name.
func (m Milestone) String() string {
	switch m {
	case MilestoneScaleBuilt:
		return "scale-built"
	case MilestoneExtremaDetected:
		return "extrema-detected"
	case MilestoneOrientationAssigned:
		return "orientation-assigned"
	case MilestoneDescriptorComputed:
		return "descriptor-computed"
	default:
		return fmt.Sprintf("Milestone(%d)", int(m))
	}
}

// Milestones lists the milestones in pipeline order.
func Milestones() []Milestone {
	return []Milestone{
		MilestoneScaleBuilt,
		MilestoneExtremaDetected,
		MilestoneOrientationAssigned,
		MilestoneDescriptorComputed,
	}
}

// event resolves the event of m, rejecting unknown milestones and empty
// octaves.
func (o *Octave) event(op string, m Milestone) (device.EventID, error) {
	if m < 0 || m >= numMilestones {
		return device.InvalidID, o.dev.Reject(op, fmt.Errorf("%w: %d", ErrInvalidMilestone, int(m)))
	}
	if !o.allocated {
		return device.InvalidID, o.dev.Reject(op, ErrNotAllocated)
	}
	return o.events[m], nil
}

// Event returns the event of m, or InvalidID for an unknown milestone or
// an empty octave.
func (o *Octave) Event(m Milestone) device.EventID {
	if m < 0 || m >= numMilestones {
		return device.InvalidID
	}
	return o.events[m]
}

// EventScaleDone returns the scale-built event.
func (o *Octave) EventScaleDone() device.EventID { return o.events[MilestoneScaleBuilt] }

// EventExtremaDone returns the extrema-detected event.
func (o *Octave) EventExtremaDone() device.EventID { return o.events[MilestoneExtremaDetected] }

// EventOriDone returns the orientation-assigned event.
func (o *Octave) EventOriDone() device.EventID { return o.events[MilestoneOrientationAssigned] }

// EventDescDone returns the descriptor-computed event.
func (o *Octave) EventDescDone() device.EventID { return o.events[MilestoneDescriptorComputed] }

// RecordMilestone records m at the current end of the octave stream.
func (o *Octave) RecordMilestone(m Milestone) error {
	e, err := o.event("RecordMilestone", m)
	if err != nil {
		return o.fail(err)
	}
	if err := o.dev.RecordEvent(e, o.stream); err != nil {
		return o.fail(err)
	}
	return nil
}

// WaitMilestone makes work issued on this octave's stream from now on wait
// until src has reached m. src may be this octave or another one. The
// host thread does not block.
func (o *Octave) WaitMilestone(src *Octave, m Milestone) error {
	if !o.allocated {
		return o.fail(o.dev.Reject("WaitMilestone", ErrNotAllocated))
	}
	e, err := src.event("WaitMilestone", m)
	if err != nil {
		return o.fail(err)
	}
	if err := o.dev.WaitEvent(e, o.stream); err != nil {
		return o.fail(err)
	}
	return nil
}

// SynchronizeMilestone blocks the host until the latest record of m has
// completed.
func (o *Octave) SynchronizeMilestone(m Milestone) error {
	e, err := o.event("SynchronizeMilestone", m)
	if err != nil {
		return o.fail(err)
	}
	if err := o.dev.SynchronizeEvent(e); err != nil {
		return o.fail(err)
	}
	return nil
}

// MilestoneElapsed returns the device time between two completed
// milestones. It waits for both first.
func (o *Octave) MilestoneElapsed(from, to Milestone) (time.Duration, error) {
	ef, err := o.event("MilestoneElapsed", from)
	if err != nil {
		return 0, o.fail(err)
	}
	et, err := o.event("MilestoneElapsed", to)
	if err != nil {
		return 0, o.fail(err)
	}
	if err := o.dev.SynchronizeEvent(ef); err != nil {
		return 0, o.fail(err)
	}
	if err := o.dev.SynchronizeEvent(et); err != nil {
		return 0, o.fail(err)
	}
	d, err := o.dev.ElapsedTime(ef, et)
	if err != nil {
		return 0, o.fail(err)
	}
	return d, nil
}
