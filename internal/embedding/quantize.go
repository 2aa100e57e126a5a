package embedding

import "math"

// quantizeInt8 snaps every component onto a symmetric 255-level grid scaled
// by the vector's largest magnitude.
func quantizeInt8(v []float32) {
	var maxAbs float64
	for _, x := range v {
		maxAbs = math.Max(maxAbs, math.Abs(float64(x)))
	}
	if maxAbs == 0 {
		return
	}
	scale := maxAbs / 127
	for i, x := range v {
		v[i] = float32(math.Round(float64(x)/scale) * scale)
	}
}
