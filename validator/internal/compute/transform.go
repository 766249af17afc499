package compute

import (
	"math"
	"sort"
)

// epsilon keeps the standardisation and min-max steps finite when the input
// has no spread.
const epsilon = 1e-8

// TransformParams shapes the performance curve applied to each metric array.
type TransformParams struct {
	// TopPercentile selects the reward threshold, 0–100.
	TopPercentile float64

	// RewardFactor multiplies values at or above the threshold by (1 + RewardFactor).
	RewardFactor float64

	// Steepness is the slope of the sigmoid around CenterSensitivity.
	Steepness float64

	// CenterSensitivity shifts the sigmoid midpoint, in standard deviations.
	CenterSensitivity float64

	// BoostFactor scales the additive tanh term.
	BoostFactor float64
}

// DefaultTransformParams returns the parameters used for on-ledger scoring.
func DefaultTransformParams() TransformParams {
	return TransformParams{
		TopPercentile:     90,
		RewardFactor:      0.4,
		Steepness:         2.0,
		CenterSensitivity: 0.5,
		BoostFactor:       0.2,
	}
}

// Transform maps values onto [0,1], preserving length and order.
//
//	z = (x - mean) / (std + 1e-8)               // population std
//	y = sigmoid(steepness * (z - center)) + boost * tanh(z)
//	y *= 1 + reward   where x >= percentile(x, top)
//	y = (y - min) / (max - min + 1e-8)
//
// Empty or all-zero input returns all zeros. The result is deterministic.
func Transform(values []float64, p TransformParams) []float64 {
	out := make([]float64, len(values))
	if allZero(values) {
		return out
	}

	mean, std := meanStd(values)
	threshold := percentile(values, p.TopPercentile)

	for i, x := range values {
		z := (x - mean) / (std + epsilon)
		y := sigmoid(p.Steepness*(z-p.CenterSensitivity)) + p.BoostFactor*math.Tanh(z)
		if x >= threshold {
			y *= 1 + p.RewardFactor
		}
		out[i] = y
	}

	lo, hi := out[0], out[0]
	for _, y := range out[1:] {
		lo = math.Min(lo, y)
		hi = math.Max(hi, y)
	}
	for i := range out {
		out[i] = (out[i] - lo) / (hi - lo + epsilon)
	}
	return out
}

func allZero(values []float64) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}

// meanStd returns the mean and population standard deviation of values.
func meanStd(values []float64) (mean, std float64) {
	n := float64(len(values))
	for _, v := range values {
		mean += v
	}
	mean /= n

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

// percentile returns the p-th percentile of values using linear
// interpolation between closest ranks. values must be non-empty.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
