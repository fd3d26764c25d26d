// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package vbstate holds the per-grid-point parameter vectors mutated by
// VBEngine (component C5 VariationalState, C6 Hyperparameters). Types here
// are plain records; all mutation happens through VBEngine's update steps
// or the CalcVar/RecomputeEta/RecomputeEdZtZ helpers below.
package vbstate

import "gonum.org/v1/gonum/mat"

// Effect type indices, used to index Hyps' per-effect-type arrays.
const (
	EffectMain = iota // beta, the main genetic effect
	EffectGxE         // gamma, the gene-environment interaction effect
	numEffects
)

// EffectState holds one effect type's (alpha, mu1, mu2, s1sq, s2sq)
// vectors, one entry per variant, plus the cached posterior variance.
type EffectState struct {
	MoG  bool // mixture-of-Gaussians prior enabled for this effect type
	Alpha []float64
	Mu1   []float64
	Mu2   []float64
	S1sq  []float64
	S2sq  []float64
	Var   []float64 // cached, recomputed by CalcVar
}

// NewEffectState allocates a zeroed EffectState over p variants.
func NewEffectState(p int, mog bool) *EffectState {
	return &EffectState{
		MoG:  mog,
		Alpha: make([]float64, p),
		Mu1:   make([]float64, p),
		Mu2:   make([]float64, p),
		S1sq:  make([]float64, p),
		S2sq:  make([]float64, p),
		Var:   make([]float64, p),
	}
}

// CalcVar recomputes the Var cache from the current (alpha, mu1, mu2, s1sq,
// s2sq), per spec §4.5: single-component
// var = alpha*(s1sq+mu1^2) - (alpha*mu1)^2, or under mog with the second
// mixture component folded in.
func (e *EffectState) CalcVar() {
	for j, a := range e.Alpha {
		m1, s1 := e.Mu1[j], e.S1sq[j]
		if !e.MoG {
			am1 := a * m1
			e.Var[j] = a*(s1+m1*m1) - am1*am1
			continue
		}
		m2, s2 := e.Mu2[j], e.S2sq[j]
		mean := a*m1 + (1-a)*m2
		e.Var[j] = a*(s1+m1*m1) + (1-a)*(s2+m2*m2) - mean*mean
	}
}

// DXtEEX is the P x L^2 per-variant expectation tensor used by
// RecomputeEdZtZ: DXtEEX[j][l*L+m] = Sum_i X[i,j]^2 * E[i,l] * E[i,m].
type DXtEEX struct {
	p, l int
	data *mat.Dense // p rows, l*l cols
}

// ComputeDXtEEX builds the DXtEEX tensor from the standardized genotype
// columns colOf(j) (length N) and environment matrix env (N x L).
func ComputeDXtEEX(p int, env *mat.Dense, colOf func(j int, out []float64) error) (*DXtEEX, error) {
	n, l := env.Dims()
	out := &DXtEEX{p: p, l: l, data: mat.NewDense(p, l*l, nil)}
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		if err := colOf(j, col); err != nil {
			return nil, err
		}
		row := make([]float64, l*l)
		for i := 0; i < n; i++ {
			x2 := col[i] * col[i]
			for lcol := 0; lcol < l; lcol++ {
				el := env.At(i, lcol)
				for m := 0; m < l; m++ {
					row[lcol*l+m] += x2 * el * env.At(i, m)
				}
			}
		}
		out.data.SetRow(j, row)
	}
	return out, nil
}

// At returns DXtEEX[j][l*L+m].
func (d *DXtEEX) At(j, l, m int) float64 { return d.data.At(j, l*d.l+m) }

// L returns the number of environment columns the tensor was built over.
func (d *DXtEEX) L() int { return d.l }

// State is the full per-grid-point VariationalState (C5).
type State struct {
	Beta  *EffectState // length P
	Gamma *EffectState // length P

	MuC  []float64 // length K
	SCsq []float64 // length K

	MuW  []float64 // length L
	SWsq []float64 // length L

	Ym  []float64 // length N, X * E[beta]
	Yx  []float64 // length N, X * E[gamma]
	Eta []float64 // length N, E * MuW

	// Eta2 is eta elementwise-squared plus the env-weight variance term,
	// Eta2 = Eta⊙Eta + E²·SWsq (§3 invariant 3).
	Eta2 []float64

	EdZtZ []float64 // length P, expected diagonal of Z^T Z
}

// New allocates a zeroed State for p variants, k covariates (including the
// appended intercept), l environment columns, and n samples.
func New(p, k, l, n int, mogBeta, mogGamma bool) *State {
	return &State{
		Beta:  NewEffectState(p, mogBeta),
		Gamma: NewEffectState(p, mogGamma),
		MuC:   make([]float64, k),
		SCsq:  make([]float64, k),
		MuW:   make([]float64, l),
		SWsq:  make([]float64, l),
		Ym:    make([]float64, n),
		Yx:    make([]float64, n),
		Eta:   make([]float64, n),
		Eta2:  make([]float64, n),
		EdZtZ: make([]float64, p),
	}
}

// RecomputeEta recomputes Eta = E*MuW and Eta2 = Eta⊙Eta + E²·SWsq in
// place, per §3 invariant 3.
func (s *State) RecomputeEta(env *mat.Dense) {
	n, l := env.Dims()
	for i := 0; i < n; i++ {
		var eta float64
		var varTerm float64
		for lcol := 0; lcol < l; lcol++ {
			e := env.At(i, lcol)
			eta += e * s.MuW[lcol]
			varTerm += e * e * s.SWsq[lcol]
		}
		s.Eta[i] = eta
		s.Eta2[i] = eta*eta + varTerm
	}
}

// RecomputeEdZtZ recomputes EdZtZ from the DXtEEX tensor and the current
// MuW/SWsq, per §4.5:
// EdZtZ_j = Sum_{l,m} DXtEEX[j,l,m]*MuW[l]*MuW[m] + normJ(j) * Sum_l SWsq[l] / (N-1),
// where normJ(j) is the squared norm of standardized column j (N-1 for an
// exactly unit-variance column, computed directly here so it tracks
// whatever norm the column actually has).
func (s *State) RecomputeEdZtZ(d *DXtEEX, n int, colNormSq []float64) {
	sumSWsq := 0.0
	for _, v := range s.SWsq {
		sumSWsq += v
	}
	denom := float64(n - 1)
	for j := range s.EdZtZ {
		var quad float64
		for lcol := 0; lcol < d.l; lcol++ {
			mw := s.MuW[lcol]
			if mw == 0 {
				continue
			}
			for m := 0; m < d.l; m++ {
				quad += d.At(j, lcol, m) * mw * s.MuW[m]
			}
		}
		s.EdZtZ[j] = quad + colNormSq[j]*sumSWsq/denom
	}
}

// Hyps holds the per-grid-point hyperparameters (C6): residual variance,
// inclusion rates, and slab/spike relative variances per effect type.
type Hyps struct {
	Sigma float64

	Lambda        [numEffects]float64 // inclusion rate, per effect type
	SlabRelVar    [numEffects]float64 // sigma_b, sigma_g
	SpikeDiffFactor float64           // delta = 1/SpikeDiffFactor

	// derived, recomputed by Recompute
	SlabVar  [numEffects]float64
	SpikeVar [numEffects]float64

	Sx  [numEffects]float64 // variant-count-derived scale per effect type
	Pve [numEffects]float64
}

// SpikeRelVar returns the spike-relative-variance for effect type ee:
// sigma_{b,g} * delta, with delta = 1/SpikeDiffFactor.
func (h *Hyps) SpikeRelVar(ee int) float64 {
	if h.SpikeDiffFactor == 0 {
		return 0
	}
	return h.SlabRelVar[ee] / h.SpikeDiffFactor
}

// Recompute derives SlabVar/SpikeVar from Sigma and the relative
// variances, per spec §3 ("derived slab_var = σ·slab_rel_var").
func (h *Hyps) Recompute() {
	for ee := 0; ee < numEffects; ee++ {
		h.SlabVar[ee] = h.Sigma * h.SlabRelVar[ee]
		h.SpikeVar[ee] = h.Sigma * h.SpikeRelVar(ee)
	}
}

// GridRow is one row of the hyperparameter grid (§6): (sigma, sigma_b,
// sigma_g, lambda_b, lambda_g).
type GridRow struct {
	Sigma   float64
	SigmaB  float64
	SigmaG  float64
	LambdaB float64
	LambdaG float64
}

// InitFromGrid seeds Hyps from one grid row and derives SlabVar/SpikeVar.
func (h *Hyps) InitFromGrid(row GridRow, spikeDiffFactor float64) {
	h.Sigma = row.Sigma
	h.SlabRelVar[EffectMain] = row.SigmaB
	h.SlabRelVar[EffectGxE] = row.SigmaG
	h.Lambda[EffectMain] = row.LambdaB
	h.Lambda[EffectGxE] = row.LambdaG
	h.SpikeDiffFactor = spikeDiffFactor
	h.Recompute()
}

// InitPVE computes the per-effect-type PVE (§4.6):
// pve_ee = (lambda*slabRelVar + (1-lambda)*spikeRelVar if mog else
// lambda*slabRelVar) * Sx[ee], normalized so that Sum(pve)+1 == 1 in the
// extended (including an implicit noise share) sense, i.e. each entry is
// divided by (sum(pve) + 1).
func (h *Hyps) InitPVE(mog [numEffects]bool) {
	sum := 0.0
	for ee := 0; ee < numEffects; ee++ {
		v := h.Lambda[ee] * h.SlabRelVar[ee]
		if mog[ee] {
			v += (1 - h.Lambda[ee]) * h.SpikeRelVar(ee)
		}
		v *= h.Sx[ee]
		h.Pve[ee] = v
		sum += v
	}
	norm := sum + 1
	if norm == 0 {
		return
	}
	for ee := 0; ee < numEffects; ee++ {
		h.Pve[ee] /= norm
	}
}
