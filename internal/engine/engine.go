package engine

import (
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultCalibrationFrames is the number of smoothed samples averaged into the baseline.
	DefaultCalibrationFrames = 30

	// DefaultDropFrames is the number of consecutive below-baseline frames that raise the alarm.
	DefaultDropFrames = 15

	// DefaultSmoothingFactor weights the previous smoothed count against the new raw count.
	DefaultSmoothingFactor = 0.6
)

// State is the phase of a monitoring run.
type State int

const (
	StateCalibrating State = iota
	StateArmed
	StateAlarmed
)

func (s State) String() string {
	switch s {
	case StateCalibrating:
		return "calibrating"
	case StateArmed:
		return "armed"
	case StateAlarmed:
		return "alarmed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Params configures an engine.
type Params struct {
	CalibrationFrames int
	DropFrames        int
	SmoothingFactor   float64
}

// DefaultParams returns the parameters the tracker ships with.
func DefaultParams() Params {
	return Params{
		CalibrationFrames: DefaultCalibrationFrames,
		DropFrames:        DefaultDropFrames,
		SmoothingFactor:   DefaultSmoothingFactor,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	var errs []error
	if p.CalibrationFrames < 1 {
		errs = append(errs, fmt.Errorf("calibration frames must be >= 1, got %d", p.CalibrationFrames))
	}
	if p.DropFrames < 1 {
		errs = append(errs, fmt.Errorf("drop frames must be >= 1, got %d", p.DropFrames))
	}
	if !(p.SmoothingFactor > 0 && p.SmoothingFactor < 1) {
		errs = append(errs, fmt.Errorf("smoothing factor must be in (0,1), got %v", p.SmoothingFactor))
	}
	return errors.Join(errs...)
}

// Snapshot is a read-only view of the engine state.
type Snapshot struct {
	State       State   `json:"-"`
	StateName   string  `json:"state"`
	Frames      int     `json:"frames"`
	LastCount   int     `json:"last_count"`
	Smoothed    float64 `json:"smoothed"`
	Baseline    int     `json:"baseline"`
	Locked      bool    `json:"baseline_locked"`
	DropCounter int     `json:"drop_counter"`
	Triggered   bool    `json:"triggered"`
}

// Engine turns a stream of per-frame object counts into a single alarm per run.
// It is not safe for concurrent use; one engine belongs to one feed loop.
type Engine struct {
	params Params

	state       State
	frames      int
	lastCount   int
	smoothed    float64
	hasSmoothed bool
	samples     []float64
	baseline    int
	dropCounter int
	triggered   bool
}

// New creates an engine in the calibrating state.
func New(params Params) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine parameters: %w", err)
	}
	e := &Engine{params: params}
	e.Reset()
	return e, nil
}

// Reset starts a new monitoring run, discarding the baseline and the latched alarm.
func (e *Engine) Reset() {
	e.state = StateCalibrating
	e.frames = 0
	e.lastCount = 0
	e.smoothed = 0
	e.hasSmoothed = false
	e.samples = make([]float64, 0, e.params.CalibrationFrames)
	e.baseline = 0
	e.dropCounter = 0
	e.triggered = false
}

// Observe feeds one frame's raw count. It returns true exactly once per run,
// on the frame that moves the engine into the alarmed state.
func (e *Engine) Observe(count int) bool {
	e.frames++
	e.lastCount = count

	if !e.hasSmoothed {
		e.smoothed = float64(count)
		e.hasSmoothed = true
	} else {
		// Same as alpha*s + (1-alpha)*c, but a steady count keeps s exact.
		alpha := e.params.SmoothingFactor
		e.smoothed += (1 - alpha) * (float64(count) - e.smoothed)
	}

	switch e.state {
	case StateAlarmed:
		// Latched: removal is reported once per run.
		return false
	case StateCalibrating:
		e.samples = append(e.samples, e.smoothed)
		if len(e.samples) < e.params.CalibrationFrames {
			return false
		}
		e.baseline = roundedMean(e.samples)
		e.state = StateArmed
	}

	if e.smoothed < float64(e.baseline) {
		e.dropCounter++
	} else {
		e.dropCounter = 0
	}

	if e.dropCounter >= e.params.DropFrames && !e.triggered {
		e.triggered = true
		e.state = StateAlarmed
		return true
	}
	return false
}

// Params returns the parameters the engine was built with.
func (e *Engine) Params() Params {
	return e.params
}

// State returns the current phase.
func (e *Engine) State() State {
	return e.state
}

// Baseline returns the locked baseline and whether calibration has finished.
func (e *Engine) Baseline() (int, bool) {
	return e.baseline, e.state != StateCalibrating
}

// Snapshot returns a copy of the engine state.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		State:       e.state,
		StateName:   e.state.String(),
		Frames:      e.frames,
		LastCount:   e.lastCount,
		Smoothed:    e.smoothed,
		Baseline:    e.baseline,
		Locked:      e.state != StateCalibrating,
		DropCounter: e.dropCounter,
		Triggered:   e.triggered,
	}
}

// roundedMean rounds half to even.
func roundedMean(samples []float64) int {
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return int(math.RoundToEven(sum / float64(len(samples))))
}
