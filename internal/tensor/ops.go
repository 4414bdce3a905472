package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Mul multiplies dst by src element-wise.
func Mul(dst, src []float32) {
	for i := range dst {
		dst[i] *= src[i]
	}
}

// Scale multiplies every element of dst by s.
func Scale(dst []float32, s float32) {
	for i := range dst {
		dst[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Mean returns the arithmetic mean of x, accumulated in float64.
func Mean(x []float32) float32 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += float64(v)
	}
	return float32(sum / float64(len(x)))
}

// LayerNorm normalises src to zero mean and unit variance, then applies the
// affine weight and bias. eps is added to the variance.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	var mean, sq float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= float64(len(src))
	for _, v := range src {
		d := float64(v) - mean
		sq += d * d
	}
	inv := 1.0 / math.Sqrt(sq/float64(len(src))+float64(eps))
	for i, v := range src {
		n := float32((float64(v) - mean) * inv)
		dst[i] = n*weight[i] + bias[i]
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// SoftmaxStrided applies softmax over n elements of x spaced stride apart,
// starting at x[0].
func SoftmaxStrided(x []float32, n, stride int) {
	if n == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < n; i++ {
		if v := x[i*stride]; v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := math.Exp(float64(x[i*stride] - maxv))
		x[i*stride] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := 0; i < n; i++ {
		x[i*stride] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// GELU computes the exact (erf based) Gaussian error linear unit.
func GELU(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

// SigmoidInPlace applies Sigmoid to every element of x.
func SigmoidInPlace(x []float32) {
	for i, v := range x {
		x[i] = Sigmoid(v)
	}
}

// GELUInPlace applies GELU to every element of x.
func GELUInPlace(x []float32) {
	for i, v := range x {
		x[i] = GELU(v)
	}
}
