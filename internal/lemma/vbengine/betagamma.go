// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vbengine

import (
	"math"

	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/vbstate"
	"gonum.org/v1/gonum/mat"
)

// updateEffect performs §4.7 steps 2-3 for one effect type (beta or gamma):
// chunked Gauss-Seidel coordinate updates, alternating pass direction
// between iterations, with the within-chunk correction computed from a
// single DᵀD-style correlation matrix per chunk rather than per column.
func (e *Engine) updateEffect(ee int, chunkSize int, forward bool) error {
	p := e.geno.NVariants()
	n := e.geno.NSamples()
	if chunkSize <= 0 {
		chunkSize = 128
	}

	var eff *vbstate.EffectState
	var patch []float64 // Ym or Yx, patched in place
	if ee == vbstate.EffectMain {
		eff = e.State.Beta
		patch = e.State.Ym
	} else {
		eff = e.State.Gamma
		patch = e.State.Yx
	}

	starts := chunkStarts(p, chunkSize)
	if !forward {
		for i, j := 0, len(starts)-1; i < j; i, j = i+1, j-1 {
			starts[i], starts[j] = starts[j], starts[i]
		}
	}

	r := e.residualFor(ee)

	for _, span := range starts {
		if err := e.processChunk(ee, eff, patch, r, span.start, span.end, forward, n); err != nil {
			return err
		}
	}
	return nil
}

type chunkSpan struct{ start, end int }

func chunkStarts(p, size int) []chunkSpan {
	var out []chunkSpan
	for s := 0; s < p; s += size {
		end := s + size
		if end > p {
			end = p
		}
		out = append(out, chunkSpan{s, end})
	}
	return out
}

// residualFor returns the full-length residual vector used to compute
// per-chunk correlations for effect type ee (§4.7 step 2): y - ym - yx*eta
// for the main effect, eta * (y - ym - yx*eta) for the gxe effect.
func (e *Engine) residualFor(ee int) []float64 {
	n := len(e.y)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		base := e.y[i] - e.State.Ym[i] - e.State.Yx[i]*e.State.Eta[i]
		if ee == vbstate.EffectMain {
			out[i] = base
		} else {
			out[i] = e.State.Eta[i] * base
		}
	}
	return out
}

func (e *Engine) processChunk(ee int, eff *vbstate.EffectState, patch, r []float64, start, end int, forward bool, n int) error {
	m := end - start
	if m <= 0 {
		return nil
	}
	indices := make([]int, m)
	for i := range indices {
		indices[i] = start + i
	}

	d := mat.NewDense(n, m, nil)
	if err := e.geno.ColBlock(indices, d); err != nil {
		return err
	}

	var a mat.VecDense
	a.MulVec(d.T(), mat.NewVecDense(n, r))

	var dCorr mat.Dense
	if ee == vbstate.EffectMain {
		dCorr.Mul(d.T(), d)
	} else {
		weighted := mat.NewDense(n, m, nil)
		for i := 0; i < n; i++ {
			w := e.State.Eta2[i]
			for j := 0; j < m; j++ {
				weighted.Set(i, j, d.At(i, j)*w)
			}
		}
		dCorr.Mul(d.T(), weighted)
	}

	order := make([]int, m)
	for i := range order {
		if forward {
			order[i] = i
		} else {
			order[i] = m - 1 - i
		}
	}

	sigma := e.Hyps.Sigma
	lambda := e.Hyps.Lambda[ee]
	slabRelVar := e.Hyps.SlabRelVar[ee]
	spikeRelVar := e.Hyps.SpikeRelVar(ee)
	slabVar := e.Hyps.SlabVar[ee]
	spikeVar := e.Hyps.SpikeVar[ee]
	mog := eff.MoG

	rrDiff := make([]float64, m)

	for _, local := range order {
		j := indices[local]

		oldAlpha, oldMu1, oldMu2 := eff.Alpha[j], eff.Mu1[j], eff.Mu2[j]
		var old float64
		if mog {
			old = oldAlpha*oldMu1 + (1-oldAlpha)*oldMu2
		} else {
			old = oldAlpha * oldMu1
		}

		var denom float64
		if ee == vbstate.EffectMain {
			denom = float64(n - 1)
		} else {
			denom = e.State.EdZtZ[j]
		}

		s1sq := slabVar / (slabRelVar*denom + 1)
		var s2sq float64
		if mog {
			s2sq = spikeVar / (spikeRelVar*denom + 1)
		}

		var corr float64
		for s := 0; s < m; s++ {
			if rrDiff[s] != 0 {
				corr += rrDiff[s] * dCorr.At(s, local)
			}
		}
		aa := a.AtVec(local) + old*denom - corr

		mu1 := s1sq * aa / sigma
		var mu2 float64
		if mog {
			mu2 = s2sq * aa / sigma
		}

		f := mu1*mu1/s1sq + math.Log(s1sq)
		cTerm := math.Log(lambda / (1 - lambda))
		if mog {
			f -= mu2*mu2/s2sq + math.Log(s2sq)
			cTerm -= 0.5 * (math.Log(slabVar) - math.Log(spikeVar))
		} else {
			cTerm -= 0.5 * math.Log(slabVar)
		}
		alpha := sigmoid(f/2 + cTerm)

		eff.Alpha[j] = alpha
		eff.Mu1[j] = mu1
		eff.S1sq[j] = s1sq
		if mog {
			eff.Mu2[j] = mu2
			eff.S2sq[j] = s2sq
		}

		var newEffective float64
		if mog {
			newEffective = alpha*mu1 + (1-alpha)*mu2
		} else {
			newEffective = alpha * mu1
		}
		rrDiff[local] = newEffective - old
	}

	var dPatch mat.VecDense
	dPatch.MulVec(d, mat.NewVecDense(m, rrDiff))
	for i := 0; i < n; i++ {
		patch[i] += dPatch.AtVec(i)
	}
	return nil
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
