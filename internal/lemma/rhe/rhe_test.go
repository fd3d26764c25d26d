// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rhe

import (
	"math"
	"testing"

	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/covariate"
	"gonum.org/v1/gonum/mat"
)

func syntheticChunk(n, m int, seed float64) *mat.Dense {
	d := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			d.Set(i, j, math.Sin(seed*float64(i+1)+float64(j))*float64(1+(i+j)%3))
		}
	}
	return d
}

func newTestEstimator(t *testing.T, k int) (*Estimator, int, int64) {
	t.Helper()
	n := 20
	y := make([]float64, n)
	for i := range y {
		y[i] = float64(i%5) - 2
	}
	var proj *covariate.Projector
	if k > 0 {
		c := mat.NewDense(n, 1, nil)
		for i := 0; i < n; i++ {
			c.Set(i, 0, float64(i%2))
		}
		p, err := covariate.New(c)
		if err != nil {
			t.Fatalf("covariate.New: %v", err)
		}
		proj = p
	}
	eta := make([]float64, n)
	for i := range eta {
		eta[i] = 0.5 + 0.1*float64(i%4)
	}
	specs := []ComponentSpec{
		{Label: "G"},
		{Label: "GxE", HasEnvModulator: true, Eta: eta},
	}
	totalCumLen := int64(300)
	e, err := New(specs, y, 8, 3, 42, proj, totalCumLen)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, n, totalCumLen
}

func addChunks(t *testing.T, e *Estimator, n int, totalCumLen int64) {
	t.Helper()
	// Spread chunks across the cumulative-position range so they land in
	// different jackknife blocks.
	positions := []int64{10, 120, 250}
	for i, pos := range positions {
		chunk := syntheticChunk(n, 4, float64(i+1))
		if err := e.AddChunk(chunk, pos); err != nil {
			t.Fatalf("AddChunk: %v", err)
		}
	}
}

func denseAlmostEqual(t *testing.T, name string, a, b *mat.Dense, tol float64) {
	t.Helper()
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		t.Fatalf("%s: dimension mismatch (%d,%d) vs (%d,%d)", name, ar, ac, br, bc)
	}
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			if diff := math.Abs(a.At(i, j) - b.At(i, j)); diff > tol {
				t.Fatalf("%s[%d,%d]: %v vs %v (diff %v)", name, i, j, a.At(i, j), b.At(i, j), diff)
			}
		}
	}
}

// TestJackknifeBlockRemoval verifies spec §8's exact-removal invariant:
// (full − delete-j) equals the accumulator for block j, to machine
// precision, for every component and both the G and W tensors.
func TestJackknifeBlockRemoval(t *testing.T) {
	e, n, totalCumLen := newTestEstimator(t, 1)
	addChunks(t, e, n, totalCumLen)
	if err := e.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	for _, c := range e.components {
		for j, b := range c.blocks {
			if b == nil {
				continue
			}
			dc := deletedComponent(c, j)

			var diff mat.Dense
			diff.Sub(c.xxtz, dc.xxtz)
			denseAlmostEqual(t, "xxtz block "+c.label, &diff, etaScale(c.eta, b.xxtz), 1e-9)

			if b.xxtWz != nil {
				var diffWz mat.Dense
				diffWz.Sub(c.xxtWz, dc.xxtWz)
				denseAlmostEqual(t, "xxtWz block "+c.label, &diffWz, etaScale(c.eta, b.xxtWz), 1e-9)
			}

			if diff := (c.yXXty - dc.yXXty) - b.yXXty; math.Abs(diff) > 1e-9 {
				t.Fatalf("yXXty block %d component %s: diff %v", j, c.label, diff)
			}
			if diff := (c.nVar - dc.nVar) - b.nVar; math.Abs(diff) > 1e-9 {
				t.Fatalf("nVar block %d component %s: diff %v", j, c.label, diff)
			}
		}
	}
}

func TestNVarTotalsVariantCount(t *testing.T) {
	e, n, totalCumLen := newTestEstimator(t, 0)
	addChunks(t, e, n, totalCumLen)
	if err := e.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	for _, c := range e.components {
		if c.nVar != 12 { // 3 chunks of width 4
			t.Fatalf("component %s: nVar = %v, want 12", c.label, c.nVar)
		}
	}
}

func TestSolveProducesFiniteHeritability(t *testing.T) {
	e, n, totalCumLen := newTestEstimator(t, 1)
	addChunks(t, e, n, totalCumLen)

	sys, err := e.Solve(NoBlock)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(sys.Sigmas) != len(sys.Labels) {
		t.Fatalf("Sigmas/Labels length mismatch")
	}
	pve := sys.Heritability(false)
	sum := 0.0
	for _, v := range pve {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("heritability entry not finite: %v", v)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-9 && sum != 0 {
		t.Fatalf("heritability shares sum to %v, want 1", sum)
	}

	for _, j := range []int{0, 1, 2} {
		if _, err := e.Solve(j); err != nil {
			t.Fatalf("Solve(delete-%d): %v", j, err)
		}
	}
}

func TestJackknifeSE(t *testing.T) {
	full := 0.5
	deletes := []float64{0.48, 0.52, 0.49, 0.51}
	se, bc := JackknifeSE(full, deletes)
	if se < 0 {
		t.Fatalf("se must be non-negative, got %v", se)
	}
	if math.IsNaN(bc) {
		t.Fatalf("bias-corrected estimate is NaN")
	}
}

func TestJackknifeSEZeroBlocks(t *testing.T) {
	se, bc := JackknifeSE(0.3, nil)
	if se != 0 || bc != 0.3 {
		t.Fatalf("with zero blocks want se=0, bc=full; got se=%v bc=%v", se, bc)
	}
}
