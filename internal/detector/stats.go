package detector

import "math"

// meanStd returns the population mean and standard deviation of values.
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}

// normalizedZ maps |z| onto [0,1], with 3σ as full scale.
func normalizedZ(value, mean, std float64) float64 {
	if std <= 0 {
		return 0
	}
	return math.Min(1, math.Abs(value-mean)/std/3)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
