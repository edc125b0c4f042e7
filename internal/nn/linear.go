package nn

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Linear layers have no bias and store weights as [out, in], so that
// y = x Wᵀ. All matrices are dense row-major float32 slices.

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// linearForward computes y[n,out] = x[n,in] · w[out,in]ᵀ.
func linearForward(y, x, w []float32, n, in, out int) {
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(n, in, x), general(out, in, w), 0, general(n, out, y))
}

// linearBackward accumulates dx[n,in] += dy · w and dw[out,in] += dyᵀ · x.
// dx may be nil when the input gradient is not needed.
func linearBackward(dx, dw, dy, x, w []float32, n, in, out int) {
	if dx != nil {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(n, out, dy), general(out, in, w), 1, general(n, in, dx))
	}
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(n, out, dy), general(n, in, x), 1, general(out, in, dw))
}
