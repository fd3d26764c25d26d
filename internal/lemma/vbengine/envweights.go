// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vbengine

// updateEnvWeights performs one forward (or backward) pass of §4.7 step 4:
// sequential variational updates of the environment-weight vector MuW,
// maintaining the eta/eta2/EdZtZ invariants after each column. Called
// twice per repeat (forward then backward) per env_update_repeats.
func (e *Engine) updateEnvWeights(forward bool) {
	n, l := e.env.Dims()
	sigma := e.Hyps.Sigma

	order := make([]int, l)
	for i := range order {
		if forward {
			order[i] = i
		} else {
			order[i] = l - 1 - i
		}
	}

	for _, lcol := range order {
		old := e.State.MuW[lcol]
		if old != 0 {
			for i := 0; i < n; i++ {
				e.State.Eta[i] -= old * e.env.At(i, lcol)
			}
		}

		var envSS float64
		for i := 0; i < n; i++ {
			el := e.env.At(i, lcol)
			envSS += e.State.Yx[i] * el * e.State.Yx[i] * el
		}

		var varGammaDxteex float64
		if e.dxteex != nil {
			for j := range e.State.Gamma.Var {
				varGammaDxteex += e.State.Gamma.Var[j] * e.dxteex.At(j, lcol, lcol)
			}
		}

		sWsq := sigma / (sigma + envSS + varGammaDxteex)
		e.State.SWsq[lcol] = sWsq

		var eff float64
		for i := 0; i < n; i++ {
			el := e.env.At(i, lcol)
			residual := e.y[i] - e.State.Ym[i]
			eff += residual*el*e.State.Yx[i] - e.State.Yx[i]*el*e.State.Eta[i]*e.State.Yx[i]
		}

		// Cross term over every other env column, weighted by its current
		// mu_w: env_vars[j] = sum_{m != lcol} muw(m) * dXtEEX[j, lcol, m].
		if e.dxteex != nil {
			l := e.dxteex.L()
			for j := range e.State.Gamma.Var {
				var envVars float64
				for m := 0; m < l; m++ {
					if m == lcol {
						continue
					}
					envVars += e.State.MuW[m] * e.dxteex.At(j, lcol, m)
				}
				eff -= e.State.Gamma.Var[j] * envVars
			}
		}

		e.State.MuW[lcol] = sWsq * eff / sigma

		for i := 0; i < n; i++ {
			e.State.Eta[i] += e.State.MuW[lcol] * e.env.At(i, lcol)
		}
	}

	e.State.RecomputeEta(e.env)
	if e.dxteex != nil {
		e.State.RecomputeEdZtZ(e.dxteex, n, e.colNormSq)
	}
}
