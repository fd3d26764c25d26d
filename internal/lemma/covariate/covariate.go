// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package covariate implements the covariate-projection primitive
// (component C2): removing the column space of a fixed covariate matrix
// C from an arbitrary residual vector or matrix.
package covariate

import (
	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"gonum.org/v1/gonum/mat"
)

// condThreshold is the condition-number cutoff above which CᵀC is
// treated as numerically singular (§4.2).
const condThreshold = 1e12

// Projector caches (CᵀC)⁻¹; the cache is rebuilt only by New and
// Recompute.
type Projector struct {
	c      *mat.Dense // N x K, intercept column already appended
	ctcInv *mat.Dense // K x K
	k      int
}

// New builds a Projector over C with an intercept column appended
// internally, as required by §3 ("intercept column appended internally").
// The intercept's length is taken from C's row count, so C must have at
// least one row: a nil or empty C returns a ConfigError rather than an
// intercept-only projector.
func New(c *mat.Dense) (*Projector, error) {
	p := &Projector{}
	if err := p.set(c); err != nil {
		return nil, err
	}
	return p, nil
}

func withIntercept(c *mat.Dense) *mat.Dense {
	var n int
	var k int
	if c != nil {
		n, k = c.Dims()
	}
	if n == 0 {
		return nil
	}
	out := mat.NewDense(n, k+1, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, 1)
	}
	if k > 0 {
		out.Slice(0, n, 1, k+1).(*mat.Dense).Copy(c)
	}
	return out
}

func (p *Projector) set(c *mat.Dense) error {
	full := withIntercept(c)
	if full == nil {
		return lemmaerrors.Newf(lemmaerrors.Config, "covariate matrix must have at least one row (for the intercept column)")
	}
	_, k := full.Dims()
	var ctc mat.Dense
	ctc.Mul(full.T(), full)

	cond := mat.Cond(&ctc, 2)
	if cond > condThreshold {
		return lemmaerrors.SingularCovariates(cond, condThreshold)
	}

	var inv mat.Dense
	if err := inv.Inverse(&ctc); err != nil {
		return lemmaerrors.Wrap(lemmaerrors.Numerical, err, "inverting CtC")
	}
	p.c = full
	p.ctcInv = &inv
	p.k = k
	return nil
}

// K returns the number of covariate columns, including the appended
// intercept.
func (p *Projector) K() int { return p.k }

// Recompute rebuilds (CᵀC)⁻¹ for a new covariate matrix. Per §3 it
// should only be called when K changes; callers otherwise reuse the
// cached inverse across iterations.
func (p *Projector) Recompute(c *mat.Dense) error { return p.set(c) }

// C returns the covariate matrix including the appended intercept
// column, for callers (e.g. the covariate-weight update in VBEngine)
// that need direct column access.
func (p *Projector) C() *mat.Dense { return p.c }

// Project computes P_C^⊥ M = M − C(CᵀC)⁻¹CᵀM for an N×m matrix M.
// Applying Project twice returns the same result to machine precision
// (idempotent), since P_C^⊥ is itself a projection matrix.
func (p *Projector) Project(m *mat.Dense) (*mat.Dense, error) {
	n, cols := m.Dims()
	cn, _ := p.c.Dims()
	if n != cn {
		return nil, lemmaerrors.Newf(lemmaerrors.Config, "Project: row mismatch, C has %d rows, M has %d", cn, n)
	}
	var ctm, beta, yhat mat.Dense
	ctm.Mul(p.c.T(), m)
	beta.Mul(p.ctcInv, &ctm)
	yhat.Mul(p.c, &beta)

	res := mat.NewDense(n, cols, nil)
	res.Sub(m, &yhat)
	return res, nil
}

// ProjectVec is a convenience wrapper over Project for a single N-vector.
func (p *Projector) ProjectVec(v []float64) ([]float64, error) {
	n := len(v)
	m := mat.NewDense(n, 1, append([]float64(nil), v...))
	res, err := p.Project(m)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	mat.Col(out, 0, res)
	return out, nil
}
