// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package rhe implements the randomized Haseman-Elston trace estimator
// (component C4): a streaming, randomized variance-component estimator
// with jackknife standard errors, computing the heritability partition
// between main-effect and GxE components.
package rhe

import (
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/covariate"
	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/randdraws"
	"gonum.org/v1/gonum/mat"
)

// defaultMaxComponentBytes is the default per-rank byte cap checked against a
// single component's XXᵀz buffer (§4.4 RankOverflow). Callers running
// under a tighter §5 memory budget should set Estimator.MaxBytes.
const defaultMaxComponentBytes = 32 << 30 // 32 GiB

// ComponentSpec describes one variance component to be estimated:
// "G" (main effect), "GxE", or any other user-defined label. A GxE-style
// component modulates every random draw and every accumulation by an
// environmental score Eta before accumulating, per §4.4.
type ComponentSpec struct {
	Label           string
	HasEnvModulator bool
	Eta             []float64 // length N; required iff HasEnvModulator
}

type blockAccum struct {
	xxtz   *mat.Dense // N x B
	xxtWz  *mat.Dense // N x B, nil if K == 0
	yXXty  float64
	nVar   float64
	filled bool
}

type componentState struct {
	label   string
	hasEnv  bool
	eta     []float64
	isNoise bool

	blocks []*blockAccum // len J

	// populated by Finalize. raw* are the pre-eta-rescale block sums
	// (the space blocks are accumulated in); xxtz/xxtWz are raw*
	// rescaled by eta once, per §4.4's "multiplied back by η on
	// finalize". Jackknife deletion subtracts in raw space and
	// re-scales, rather than un-scaling a finalized total.
	rawXxtz  *mat.Dense
	rawXxtWz *mat.Dense
	xxtz     *mat.Dense
	xxtWz    *mat.Dense
	yXXty    float64
	nVar     float64
	projXXtz *mat.Dense // P_C^perp applied to xxtz, cached when K>0 and !isNoise
}

// Estimator accumulates the per-jackknife-block tensors of §4.4 and
// solves the resulting variance-component linear system.
type Estimator struct {
	nSamples   int
	nDraws     int
	nJackknife int
	k          int // covariate count (0 disables projection)
	proj       *covariate.Projector

	y  []float64
	z  *mat.Dense // N x B raw draws
	wz *mat.Dense // N x B projected draws, nil if K == 0

	components []*componentState
	noise      *componentState

	totalCumLen int64
	blockWidth  int64

	MaxBytes int64 // per-component byte cap; 0 uses defaultMaxComponentBytes

	finalized bool
}

// New allocates per-component buffers and draws the shared N×B random
// matrix from seed. totalCumLen is the maximum cumulative genome
// position across all variants that will be added, used to assign
// jackknife blocks by position (§4.4: "determined by the first column's
// cumulative position").
func New(specs []ComponentSpec, y []float64, nDraws, nJackknife int, seed uint64, proj *covariate.Projector, totalCumLen int64) (*Estimator, error) {
	n := len(y)
	if nJackknife < 1 {
		return nil, lemmaerrors.Newf(lemmaerrors.Config, "n_jackknife must be >= 1, got %d", nJackknife)
	}
	e := &Estimator{
		nSamples:    n,
		nDraws:      nDraws,
		nJackknife:  nJackknife,
		y:           append([]float64(nil), y...),
		proj:        proj,
		totalCumLen: totalCumLen,
		blockWidth:  1,
	}
	if totalCumLen > 0 {
		e.blockWidth = totalCumLen/int64(nJackknife) + 1
	}
	if proj != nil {
		e.k = proj.K()
	}

	e.z = randdraws.New(seed).Draw(n, nDraws)
	if e.k > 0 {
		wz, err := e.proj.Project(e.z)
		if err != nil {
			return nil, err
		}
		e.wz = wz
	}

	for _, spec := range specs {
		if spec.HasEnvModulator && len(spec.Eta) != n {
			return nil, lemmaerrors.Newf(lemmaerrors.Config, "component %q: Eta must have length %d, got %d", spec.Label, n, len(spec.Eta))
		}
		cs := &componentState{
			label:  spec.Label,
			hasEnv: spec.HasEnvModulator,
			eta:    spec.Eta,
			blocks: make([]*blockAccum, nJackknife),
		}
		e.components = append(e.components, cs)
	}
	e.noise = &componentState{label: "noise", isNoise: true, blocks: make([]*blockAccum, nJackknife)}

	if err := e.checkBudget(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Estimator) checkBudget() error {
	budget := e.MaxBytes
	if budget <= 0 {
		budget = defaultMaxComponentBytes
	}
	perComponent := int64(e.nSamples) * int64(e.nDraws) * 8 * 2 // xxtz + xxtWz
	if perComponent >= budget {
		return lemmaerrors.RankOverflow("trace-estimator-component", perComponent, budget)
	}
	return nil
}

func (e *Estimator) blockIndex(cumPos int64) int {
	j := int(cumPos / e.blockWidth)
	if j >= e.nJackknife {
		j = e.nJackknife - 1
	}
	if j < 0 {
		j = 0
	}
	return j
}

func etaScale(eta []float64, m *mat.Dense) *mat.Dense {
	if eta == nil {
		return m
	}
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for jc := 0; jc < cols; jc++ {
			out.Set(i, jc, eta[i]*m.At(i, jc))
		}
	}
	return out
}

func etaScaleVec(eta, v []float64) []float64 {
	if eta == nil {
		return v
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = eta[i] * x
	}
	return out
}

// AddChunk accumulates one chunk of standardized genotype columns D
// (N×m) into every configured (active) component, per §4.4. cumPos is
// the cumulative genome position of D's first column, used to select
// the jackknife bucket.
func (e *Estimator) AddChunk(d *mat.Dense, cumPos int64) error {
	if e.finalized {
		return lemmaerrors.Newf(lemmaerrors.Config, "AddChunk called after Finalize")
	}
	n, m := d.Dims()
	if n != e.nSamples {
		return lemmaerrors.Newf(lemmaerrors.Config, "AddChunk: expected %d rows, got %d", e.nSamples, n)
	}
	j := e.blockIndex(cumPos)

	for _, c := range e.components {
		zc := etaScale(c.eta, e.z)
		yc := etaScaleVec(c.eta, e.y)

		var xtz mat.Dense
		xtz.Mul(d.T(), zc)
		var dxtz mat.Dense
		dxtz.Mul(d, &xtz)

		var xtWz, dxtWz mat.Dense
		haveWz := e.k > 0
		if haveWz {
			wzc := etaScale(c.eta, e.wz)
			xtWz.Mul(d.T(), wzc)
			dxtWz.Mul(d, &xtWz)
		}

		var dtyVec mat.VecDense
		dtyVec.MulVec(d.T(), mat.NewVecDense(n, yc))
		yXXtyDelta := 0.0
		for col := 0; col < m; col++ {
			s := dtyVec.AtVec(col)
			yXXtyDelta += s * s
		}

		b := c.blocks[j]
		if b == nil {
			b = &blockAccum{
				xxtz: mat.NewDense(n, e.nDraws, nil),
			}
			if haveWz {
				b.xxtWz = mat.NewDense(n, e.nDraws, nil)
			}
			c.blocks[j] = b
		}
		b.xxtz.Add(b.xxtz, &dxtz)
		if haveWz {
			b.xxtWz.Add(b.xxtWz, &dxtWz)
		}
		b.yXXty += yXXtyDelta
		b.nVar += float64(m)
	}
	return nil
}

// Finalize sums per-block buffers into global totals and sets the
// implicit noise component per §4.4.
func (e *Estimator) Finalize() error {
	if e.finalized {
		return nil
	}
	for _, c := range e.components {
		c.rawXxtz = mat.NewDense(e.nSamples, e.nDraws, nil)
		if e.k > 0 {
			c.rawXxtWz = mat.NewDense(e.nSamples, e.nDraws, nil)
		}
		for _, b := range c.blocks {
			if b == nil {
				continue
			}
			c.rawXxtz.Add(c.rawXxtz, b.xxtz)
			if e.k > 0 && b.xxtWz != nil {
				c.rawXxtWz.Add(c.rawXxtWz, b.xxtWz)
			}
			c.yXXty += b.yXXty
			c.nVar += b.nVar
		}
		c.xxtz = c.rawXxtz
		c.xxtWz = c.rawXxtWz
		if c.hasEnv {
			c.xxtz = etaScale(c.eta, c.rawXxtz)
			if c.rawXxtWz != nil {
				c.xxtWz = etaScale(c.eta, c.rawXxtWz)
			}
		}
		if e.k > 0 {
			projected, err := e.proj.Project(c.xxtz)
			if err != nil {
				return err
			}
			c.projXXtz = projected
		}
	}

	e.noise.xxtz = e.z
	e.noise.xxtWz = e.wz
	e.noise.nVar = 1
	yNorm := 0.0
	for _, yv := range e.y {
		yNorm += yv * yv
	}
	e.noise.yXXty = yNorm

	e.finalized = true
	return nil
}

func sumElemMul(a, b *mat.Dense) float64 {
	rows, cols := a.Dims()
	sum := 0.0
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			sum += a.At(i, j) * b.At(i, j)
		}
	}
	return sum
}

// innerProduct implements the three cases of §4.4 exactly. Callers are
// expected to invoke it once per (i<=k) pair and mirror the result,
// since the raw formula is not literally symmetric under argument swap
// (it is an unbiased estimator of a symmetric quantity, not an exactly
// symmetric expression) — see DESIGN.md.
func innerProduct(a, b *componentState, k int) float64 {
	if k == 0 {
		return sumElemMul(a.xxtz, b.xxtz)
	}
	if a.isNoise || b.isNoise {
		return sumElemMul(a.xxtz, b.xxtWz)
	}
	return sumElemMul(a.projXXtz, b.xxtWz)
}

// allComponents returns the active components followed by the implicit
// noise component, the order used to build the (C+1)x(C+1) system.
func (e *Estimator) allComponents() []*componentState {
	return append(append([]*componentState{}, e.components...), e.noise)
}

// Labels returns the component labels in system order, ending in "noise".
func (e *Estimator) Labels() []string {
	var out []string
	for _, c := range e.allComponents() {
		out = append(out, c.label)
	}
	return out
}
