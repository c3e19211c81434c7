package kalman

import (
	"fmt"
	"math"

	"github.com/teslashibe/go-soundloc/internal/acoustic"
)

// The filter has four state and two observation dimensions, so all algebra
// runs on fixed-size arrays. Shapes are checked by the compiler.

// Vec2 is an observation-space vector
type Vec2 [2]float64

// Vec4 is a state vector [x, y, vx, vy]
type Vec4 [4]float64

// Mat2 is a 2x2 matrix
type Mat2 [2][2]float64

// Mat4 is a 4x4 matrix
type Mat4 [4][4]float64

// Mat24 maps state to observation space
type Mat24 [2][4]float64

// Mat42 maps observation to state space
type Mat42 [4][2]float64

// singularEpsilon is the determinant magnitude below which a 2x2 inverse fails
const singularEpsilon = 1e-12

// Sub returns v - o
func (v Vec2) Sub(o Vec2) Vec2 {
	return Vec2{v[0] - o[0], v[1] - o[1]}
}

// Dot returns the inner product
func (v Vec2) Dot(o Vec2) float64 {
	return v[0]*o[0] + v[1]*o[1]
}

// Add returns v + o
func (v Vec4) Add(o Vec4) Vec4 {
	var out Vec4
	for i := range out {
		out[i] = v[i] + o[i]
	}
	return out
}

// Identity2 returns the 2x2 identity
func Identity2() Mat2 {
	return Mat2{{1, 0}, {0, 1}}
}

// Add returns m + o
func (m Mat2) Add(o Mat2) Mat2 {
	return Mat2{
		{m[0][0] + o[0][0], m[0][1] + o[0][1]},
		{m[1][0] + o[1][0], m[1][1] + o[1][1]},
	}
}

// Scale returns m * s
func (m Mat2) Scale(s float64) Mat2 {
	return Mat2{
		{m[0][0] * s, m[0][1] * s},
		{m[1][0] * s, m[1][1] * s},
	}
}

// Det returns the determinant
func (m Mat2) Det() float64 {
	return m[0][0]*m[1][1] - m[0][1]*m[1][0]
}

// Inverse returns the closed-form inverse
func (m Mat2) Inverse() (Mat2, error) {
	det := m.Det()
	if math.Abs(det) < singularEpsilon || math.IsNaN(det) {
		return Mat2{}, fmt.Errorf("kalman: determinant %g: %w", det, acoustic.ErrSingularMatrix)
	}
	inv := 1 / det
	return Mat2{
		{m[1][1] * inv, -m[0][1] * inv},
		{-m[1][0] * inv, m[0][0] * inv},
	}, nil
}

// MulVec returns m·v
func (m Mat2) MulVec(v Vec2) Vec2 {
	return Vec2{
		m[0][0]*v[0] + m[0][1]*v[1],
		m[1][0]*v[0] + m[1][1]*v[1],
	}
}

// Identity4 returns the 4x4 identity
func Identity4() Mat4 {
	var m Mat4
	for i := range m {
		m[i][i] = 1
	}
	return m
}

// Add returns m + o
func (m Mat4) Add(o Mat4) Mat4 {
	var out Mat4
	for i := range out {
		for j := range out[i] {
			out[i][j] = m[i][j] + o[i][j]
		}
	}
	return out
}

// Sub returns m - o
func (m Mat4) Sub(o Mat4) Mat4 {
	var out Mat4
	for i := range out {
		for j := range out[i] {
			out[i][j] = m[i][j] - o[i][j]
		}
	}
	return out
}

// Scale returns m * s
func (m Mat4) Scale(s float64) Mat4 {
	var out Mat4
	for i := range out {
		for j := range out[i] {
			out[i][j] = m[i][j] * s
		}
	}
	return out
}

// Mul returns m·o
func (m Mat4) Mul(o Mat4) Mat4 {
	var out Mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[i][k] * o[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

// MulVec returns m·v
func (m Mat4) MulVec(v Vec4) Vec4 {
	var out Vec4
	for i := 0; i < 4; i++ {
		for k := 0; k < 4; k++ {
			out[i] += m[i][k] * v[k]
		}
	}
	return out
}

// MulMat42 returns m·o
func (m Mat4) MulMat42(o Mat42) Mat42 {
	var out Mat42
	for i := 0; i < 4; i++ {
		for j := 0; j < 2; j++ {
			for k := 0; k < 4; k++ {
				out[i][j] += m[i][k] * o[k][j]
			}
		}
	}
	return out
}

// T returns the transpose
func (m Mat4) T() Mat4 {
	var out Mat4
	for i := range out {
		for j := range out[i] {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// Trace returns the sum of the diagonal
func (m Mat4) Trace() float64 {
	return m[0][0] + m[1][1] + m[2][2] + m[3][3]
}

// MulVec returns h·v
func (h Mat24) MulVec(v Vec4) Vec2 {
	var out Vec2
	for i := 0; i < 2; i++ {
		for k := 0; k < 4; k++ {
			out[i] += h[i][k] * v[k]
		}
	}
	return out
}

// MulMat4 returns h·m
func (h Mat24) MulMat4(m Mat4) Mat24 {
	var out Mat24
	for i := 0; i < 2; i++ {
		for j := 0; j < 4; j++ {
			for k := 0; k < 4; k++ {
				out[i][j] += h[i][k] * m[k][j]
			}
		}
	}
	return out
}

// MulMat42 returns h·o
func (h Mat24) MulMat42(o Mat42) Mat2 {
	var out Mat2
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			for k := 0; k < 4; k++ {
				out[i][j] += h[i][k] * o[k][j]
			}
		}
	}
	return out
}

// T returns the transpose
func (h Mat24) T() Mat42 {
	var out Mat42
	for i := 0; i < 2; i++ {
		for j := 0; j < 4; j++ {
			out[j][i] = h[i][j]
		}
	}
	return out
}

// MulMat2 returns k·m
func (k Mat42) MulMat2(m Mat2) Mat42 {
	var out Mat42
	for i := 0; i < 4; i++ {
		for j := 0; j < 2; j++ {
			out[i][j] = k[i][0]*m[0][j] + k[i][1]*m[1][j]
		}
	}
	return out
}

// MulMat24 returns k·h
func (k Mat42) MulMat24(h Mat24) Mat4 {
	var out Mat4
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = k[i][0]*h[0][j] + k[i][1]*h[1][j]
		}
	}
	return out
}

// MulVec returns k·v
func (k Mat42) MulVec(v Vec2) Vec4 {
	var out Vec4
	for i := 0; i < 4; i++ {
		out[i] = k[i][0]*v[0] + k[i][1]*v[1]
	}
	return out
}
