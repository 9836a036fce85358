package vectorstore

import "math"

// Cosine returns the cosine similarity of a and b. Mismatched lengths or a
// zero-norm operand yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Centroid averages vectors component-wise. Vectors whose length differs
// from the first are skipped; no input yields nil.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		n++
	}
	if n == 0 || dim == 0 {
		return nil
	}
	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / float64(n))
	}
	return out
}

// IsZero reports whether v is empty or its first n components are all zero.
// n <= 0 checks the whole vector.
func IsZero(v []float32, n int) bool {
	if len(v) == 0 {
		return true
	}
	if n <= 0 || n > len(v) {
		n = len(v)
	}
	for _, x := range v[:n] {
		if x != 0 {
			return false
		}
	}
	return true
}
