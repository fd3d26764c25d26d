// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rhe

import (
	"math"

	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"gonum.org/v1/gonum/mat"
)

// NoBlock requests the full-data system (no jackknife block removed).
const NoBlock = -1

// deletedComponent returns a componentState with block j's contribution
// removed from every accumulator, i.e. "global − block j" (§4.4,
// tested by §8's exact-removal invariant).
func deletedComponent(c *componentState, j int) *componentState {
	if j == NoBlock || j >= len(c.blocks) || c.blocks[j] == nil {
		return c
	}
	b := c.blocks[j]
	out := &componentState{label: c.label, hasEnv: c.hasEnv, eta: c.eta, isNoise: c.isNoise}

	rawXxtz := mat.NewDense(c.rawXxtz.RawMatrix().Rows, c.rawXxtz.RawMatrix().Cols, nil)
	rawXxtz.Sub(c.rawXxtz, b.xxtz)
	out.xxtz = rawXxtz
	if c.hasEnv {
		out.xxtz = etaScale(c.eta, rawXxtz)
	}

	if c.rawXxtWz != nil {
		rawXxtWz := mat.NewDense(c.rawXxtWz.RawMatrix().Rows, c.rawXxtWz.RawMatrix().Cols, nil)
		rawXxtWz.Sub(c.rawXxtWz, b.xxtWz)
		out.xxtWz = rawXxtWz
		if c.hasEnv {
			out.xxtWz = etaScale(c.eta, rawXxtWz)
		}
	}
	out.yXXty = c.yXXty - b.yXXty
	out.nVar = c.nVar - b.nVar
	return out
}

// System is the solved (C+1)x(C+1) variance-component linear system.
type System struct {
	Labels []string
	A      *mat.Dense // (C+1) x (C+1)
	B      []float64  // length C+1
	Sigmas []float64  // solution, length C+1
}

// Solve builds the system of §4.4 and solves it with gonum's mat.QR, a
// Householder QR without column pivoting. If
// block >= 0, that jackknife block is removed from every component
// before solving (a "delete-j" estimate).
func (e *Estimator) Solve(block int) (*System, error) {
	if !e.finalized {
		if err := e.Finalize(); err != nil {
			return nil, err
		}
	}
	comps := e.allComponents()
	if block != NoBlock {
		scoped := make([]*componentState, len(comps))
		for i, c := range comps {
			dc := deletedComponent(c, block)
			if e.k > 0 && dc != c && !dc.isNoise {
				projected, err := e.proj.Project(dc.xxtz)
				if err != nil {
					return nil, err
				}
				dc.projXXtz = projected
			}
			scoped[i] = dc
		}
		comps = scoped
	}
	n := len(comps)
	noiseIdx := n - 1

	a := mat.NewDense(n, n, nil)
	rhs := mat.NewDense(n, 1, nil)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		for k := i; k < n; k++ {
			v := innerProduct(comps[i], comps[k], e.k) / comps[i].nVar / comps[k].nVar / float64(e.nDraws)
			a.Set(i, k, v)
			a.Set(k, i, v)
		}
		b[i] = comps[i].yXXty / comps[i].nVar
		rhs.Set(i, 0, b[i])
	}
	a.Set(noiseIdx, noiseIdx, float64(e.nSamples-e.k))

	var qr mat.QR
	qr.Factorize(a)
	var sol mat.Dense
	sigmas := make([]float64, n)
	if err := qr.SolveTo(&sol, false, rhs); err != nil {
		return &System{Labels: e.Labels(), A: a, B: b, Sigmas: sigmas},
			lemmaerrors.SingularSystem(err.Error())
	}
	for i := range sigmas {
		sigmas[i] = sol.At(i, 0)
	}
	return &System{Labels: e.Labels(), A: a, B: b, Sigmas: sigmas}, nil
}

// Heritability normalizes σ̂ by Σσ̂ across all components (including
// noise, so that the genetic components' shares plus the noise share
// sum to 1). If reweightBySx is set, each σ̂ is first multiplied by the
// matching diagonal entry of the solved system (§4.4), matching the
// reference implementation's reweight_sigmas path (including its use of
// the noise row's diagonal — see DESIGN.md Open Question 4).
func (sys *System) Heritability(reweightBySx bool) []float64 {
	n := len(sys.Sigmas)
	pve := make([]float64, n)
	total := 0.0
	for i, s := range sys.Sigmas {
		v := s
		if reweightBySx {
			v *= sys.A.At(i, i)
		}
		pve[i] = v
		total += v
	}
	if total == 0 {
		return pve
	}
	for i := range pve {
		pve[i] /= total
	}
	return pve
}

// JackknifeSE computes the delete-one-block jackknife standard error and
// bias-corrected estimate of §4.4, given the full-data estimate and the
// per-block delete-j estimates.
func JackknifeSE(full float64, deletes []float64) (se, biasCorrected float64) {
	j := float64(len(deletes))
	if j == 0 {
		return 0, full
	}
	mean := 0.0
	for _, d := range deletes {
		mean += d
	}
	mean /= j
	var sumSq float64
	for _, d := range deletes {
		diff := d - mean
		sumSq += diff * diff
	}
	se2 := (j - 1) / j * sumSq
	biasCorrected = j*full - (j-1)*mean
	if se2 < 0 {
		se2 = 0
	}
	return math.Sqrt(se2), biasCorrected
}
