// Package kalman smooths streams of noisy positions with constant velocity
// Kalman filters, one per axis.
package kalman

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Step is the fixed sub-step the filter advances by when predicting.
const Step = 150 * time.Millisecond

// Filter1D is a one dimensional constant velocity filter with state
// [position, velocity] and a 2x2 covariance. Units are whatever the caller
// feeds it; the tracker uses degrees for horizontal axes.
type Filter1D struct {
	predTime time.Time
	x        *mat.VecDense
	p        *mat.Dense
	q        *mat.Dense
	trans    *mat.Dense
}

// NewFilter1D creates a filter whose process noise describes how much
// undriven acceleration to expect between updates.
func NewFilter1D(processNoise float64, at time.Time) *Filter1D {
	t := Step.Seconds()
	return &Filter1D{
		predTime: at,
		x:        mat.NewVecDense(2, nil),
		p:        noiseCovariance(processNoise, t),
		q:        noiseCovariance(processNoise, t),
		trans:    mat.NewDense(2, 2, []float64{1, t, 0, 1}),
	}
}

// noiseCovariance is the discrete white noise acceleration model:
// n^2 * [t^4/4 t^3/2; t^3/2 t^2].
func noiseCovariance(noise, t float64) *mat.Dense {
	n2 := noise * noise
	t2 := t * t
	return mat.NewDense(2, 2, []float64{
		n2 * t2 * t2 / 4, n2 * t2 * t / 2,
		n2 * t2 * t / 2, n2 * t2,
	})
}

// SetState resets the filter to a known position and velocity. The position
// variance is noise^2; velocity starts with half that spread per second.
func (f *Filter1D) SetState(position, velocity, noise float64) {
	n2 := noise * noise
	f.x.SetVec(0, position)
	f.x.SetVec(1, velocity)
	f.p = mat.NewDense(2, 2, []float64{n2, 0, 0, n2 / 4})
}

// Predict advances the state in Step increments until it is within one step
// of at. Calls with a time at or before the last prediction do nothing.
func (f *Filter1D) Predict(at time.Time) {
	for at.Sub(f.predTime) > Step {
		f.predTime = f.predTime.Add(Step)

		var x mat.VecDense
		x.MulVec(f.trans, f.x)
		f.x.CopyVec(&x)

		var fp, fpf mat.Dense
		fp.Mul(f.trans, f.p)
		fpf.Mul(&fp, f.trans.T())
		fpf.Add(&fpf, f.q)
		f.p = &fpf
	}
}

// Update corrects the state with a position measurement of the given noise.
func (f *Filter1D) Update(position, noise float64) {
	r := noise * noise
	innovation := position - f.x.AtVec(0)
	s := f.p.At(0, 0) + r
	gain := mat.NewVecDense(2, []float64{f.p.At(0, 0) / s, f.p.At(1, 0) / s})

	f.x.AddScaledVec(f.x, innovation, gain)

	h := mat.NewVecDense(2, []float64{1, 0})
	var kh, ikh, p mat.Dense
	kh.Outer(1, gain, h)
	ikh.Sub(identity2, &kh)
	p.Mul(&ikh, f.p)
	f.p = &p
}

var identity2 = mat.NewDiagDense(2, []float64{1, 1})

// Position returns the current position estimate.
func (f *Filter1D) Position() float64 { return f.x.AtVec(0) }

// Velocity returns the current velocity estimate in units per second.
func (f *Filter1D) Velocity() float64 { return f.x.AtVec(1) }

// Accuracy returns the standard deviation of the position estimate.
func (f *Filter1D) Accuracy() float64 {
	return math.Sqrt(math.Max(0, f.p.At(0, 0)))
}
