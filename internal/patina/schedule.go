package patina

import (
	"errors"
	"fmt"
	"math"
)

// Iteration count bounds.
const (
	MinIterations     = 1
	MaxIterations     = 100
	DefaultIterations = 30
)

// ErrInvalidSchedule is returned by Schedule.Validate.
var ErrInvalidSchedule = errors.New("invalid schedule")

// ClampIterations bounds n to [MinIterations, MaxIterations].
func ClampIterations(n int) int {
	if n < MinIterations {
		return MinIterations
	}
	if n > MaxIterations {
		return MaxIterations
	}
	return n
}

// Params is the encode parameter set for one iteration.
type Params struct {
	// Iteration is the 1-based pass number.
	Iteration int
	// CRF is the x264 constant rate factor. Higher is lossier.
	CRF int
	// InternalScale is the factor frames are shrunk by and scaled back up
	// from within the pass. 1 disables the softening step.
	InternalScale float64
	// OutputScale is the per-pass output dimension factor.
	OutputScale float64
	// MinWidth is the smallest output width OutputScale may shrink to.
	MinWidth int
	// Noise is the temporal noise strength (alls).
	Noise int
	// FrameRateCap limits the output frame rate. Zero leaves it unchanged.
	FrameRateCap int
	// Contrast, Brightness and Saturation feed the eq filter.
	Contrast   float64
	Brightness float64
	Saturation float64
}

// Schedule derives Params for every iteration of a run. All derived values
// move in one direction as the iteration number grows: CRF never decreases,
// the internal scale shrinks in small steps, noise cycles within a fixed band.
type Schedule struct {
	BaseCRF  int
	MaxCRF   int
	CRFEvery int

	InternalScaleStep float64
	MinInternalScale  float64

	OutputScale float64
	MinWidth    int

	NoiseBase  int
	NoiseCycle int

	// FrameRateCap applies once a run is past FrameRateCapAfter (0..1) of its
	// iterations.
	FrameRateCap      int
	FrameRateCapAfter float64

	Contrast   float64
	Brightness float64
	Saturation float64
}

// DefaultSchedule returns the stock patina schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		BaseCRF:           20,
		MaxCRF:            40,
		CRFEvery:          3,
		InternalScaleStep: 0.005,
		MinInternalScale:  0.75,
		OutputScale:       0.99,
		MinWidth:          64,
		NoiseBase:         3,
		NoiseCycle:        7,
		FrameRateCap:      24,
		FrameRateCapAfter: 0.5,
		Contrast:          0.95,
		Brightness:        -0.01,
		Saturation:        0.95,
	}
}

// Validate checks that the schedule can produce sane parameters.
func (s Schedule) Validate() error {
	switch {
	case s.BaseCRF < 0 || s.MaxCRF > 51 || s.BaseCRF > s.MaxCRF:
		return fmt.Errorf("%w: crf range %d..%d", ErrInvalidSchedule, s.BaseCRF, s.MaxCRF)
	case s.CRFEvery < 1:
		return fmt.Errorf("%w: crf step every %d iterations", ErrInvalidSchedule, s.CRFEvery)
	case s.MinInternalScale <= 0 || s.MinInternalScale > 1 || s.InternalScaleStep < 0 || s.InternalScaleStep > 0.05:
		return fmt.Errorf("%w: internal scale %.3f step %.3f", ErrInvalidSchedule, s.MinInternalScale, s.InternalScaleStep)
	case s.OutputScale < 0.9 || s.OutputScale > 1:
		return fmt.Errorf("%w: output scale %.3f", ErrInvalidSchedule, s.OutputScale)
	case s.MinWidth < 2:
		return fmt.Errorf("%w: min width %d", ErrInvalidSchedule, s.MinWidth)
	case s.NoiseBase < 0 || s.NoiseCycle < 1 || s.NoiseBase+s.NoiseCycle > 100:
		return fmt.Errorf("%w: noise %d+%d", ErrInvalidSchedule, s.NoiseBase, s.NoiseCycle)
	case s.FrameRateCap < 0 || s.FrameRateCapAfter < 0 || s.FrameRateCapAfter > 1:
		return fmt.Errorf("%w: frame rate cap %d after %.2f", ErrInvalidSchedule, s.FrameRateCap, s.FrameRateCapAfter)
	}
	return nil
}

// At returns the parameters for iteration i (1-based) of total.
func (s Schedule) At(i, total int) Params {
	if total < 1 {
		total = 1
	}
	if i < 1 {
		i = 1
	}
	if i > total {
		i = total
	}

	crf := s.BaseCRF + i/s.CRFEvery
	if crf > s.MaxCRF {
		crf = s.MaxCRF
	}

	internal := math.Max(s.MinInternalScale, 1-s.InternalScaleStep*float64(i))
	// Keep the value printable without float noise.
	internal = math.Round(internal*1000) / 1000

	fpsCap := 0
	if s.FrameRateCap > 0 && float64(i) > s.FrameRateCapAfter*float64(total) {
		fpsCap = s.FrameRateCap
	}

	return Params{
		Iteration:     i,
		CRF:           crf,
		InternalScale: internal,
		OutputScale:   s.OutputScale,
		MinWidth:      s.MinWidth,
		Noise:         s.NoiseBase + i%s.NoiseCycle,
		FrameRateCap:  fpsCap,
		Contrast:      s.Contrast,
		Brightness:    s.Brightness,
		Saturation:    s.Saturation,
	}
}
