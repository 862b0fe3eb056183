package minuet

import (
	"math"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// round16 rounds a value through IEEE 754 half precision. Values outside
// the float16 range become infinities, which is exactly what dynamic loss
// scaling watches for.
func round16(v float64) float64 {
	return float64(float16.Fromfloat32(float32(v)).Float32())
}

// round16Vec rounds a vector in place.
func round16Vec(v []float64) {
	for i := range v {
		v[i] = round16(v[i])
	}
}

// nonFinite reports whether any gradient element is Inf or NaN.
func nonFinite(grads map[string]*mat.Dense) bool {
	for _, g := range grads {
		for _, v := range g.RawMatrix().Data {
			if math.IsInf(v, 0) || math.IsNaN(v) {
				return true
			}
		}
	}
	return false
}
