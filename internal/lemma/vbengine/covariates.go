// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vbengine

// updateCovariates performs §4.7 step 1: sequential variational updates of
// the covariate-mean vector MuC, patching Ym in place after each one. Only
// called when use_vb_on_covars is set; otherwise the caller is expected to
// have pre-regressed covariates out of y/X before the Engine ever sees them.
func (e *Engine) updateCovariates() {
	c := e.proj.C()
	n, k := c.Dims()
	sigma := e.Hyps.Sigma
	sigmaC := e.Opts.CovariatePriorVar

	for kk := 0; kk < k; kk++ {
		denom := float64(n - 1)
		e.State.SCsq[kk] = sigma * sigmaC / (sigmaC*denom + 1)

		var cty, ccorr float64
		for i := 0; i < n; i++ {
			ck := c.At(i, kk)
			cty += e.y[i] * ck
			ccorr += (e.State.Ym[i] + e.State.Yx[i]*e.State.Eta[i]) * ck
		}
		a := cty - ccorr

		old := e.State.MuC[kk]
		e.State.MuC[kk] = e.State.SCsq[kk] * (a + old*denom) / sigma

		delta := e.State.MuC[kk] - old
		if delta == 0 {
			continue
		}
		for i := 0; i < n; i++ {
			e.State.Ym[i] += delta * c.At(i, kk)
		}
	}
}
