// Package scalespace manages the device resources of a Gaussian
// scale-space pyramid, one octave at a time.
//
// # Overview
//
// An [Octave] owns three layered image stacks on a device: the data stack
// of blurred levels, a single-plane scratch stack for the horizontal pass of
// the separable blur, and the difference-of-Gaussians stack. It also owns an
// execution stream and one event per pipeline [Milestone].
//
// Every level is blurred directly from the reference plane (layer 0 of the
// data stack) with the absolute filter of that level, so levels do not
// depend on each other and may be computed in any order or batched. Level 0
// rewrites the reference and is always computed last.
//
// # Quick Start
//
//	cpu := device.NewCPU()
//	defer cpu.Close()
//	dev := device.NewChecked(cpu)
//
//	cfg := scalespace.DefaultConfig()
//	cfg.Sigma = scalespace.SIFTSigma(1.6, 3)
//
//	o := scalespace.NewOctave(dev)
//	_ = o.Alloc(cfg, 640, 480, cfg.Levels, cfg.GaussGroup)
//	defer o.Free()
//
//	_ = o.UploadBase(pixels)
//	_ = o.BuildScaleSpace()
//	level2, _ := o.DownloadLevel(2)
//
// # Ordering
//
// All work of an octave is issued on its own stream and runs in issue
// order. Octaves order themselves against each other only through
// milestones:
//
//	_ = octave0.RecordMilestone(scalespace.MilestoneScaleBuilt)
//	_ = octave1.WaitMilestone(octave0, scalespace.MilestoneScaleBuilt)
//
// # Failures
//
// Device failures are fatal. They are reported through the fatal handler of
// the [device.Checked] the octave was created with, which by default prints
// the location of the failed call and exits. Tests install a recording
// handler with [device.WithFatalHandler].
//
// # Logging
//
// Nothing is logged unless [SetLogger] installs a logger.
package scalespace
