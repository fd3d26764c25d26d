// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vbengine

import (
	"fmt"
	"testing"

	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/collective"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/covariate"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/genotype"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/vbstate"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type engineSuite struct{}

var _ = check.Suite(&engineSuite{})

// fakeSource is a tiny in-memory DosageSource for building a genotype.View
// without a text fixture on disk.
type fakeSource struct {
	n    int
	cols [][]float64
}

func (f *fakeSource) NumSamples() int                { return f.n }
func (f *fakeSource) NumVariants() int               { return len(f.cols) }
func (f *fakeSource) VariantChromosome(j int) string { return "1" }
func (f *fakeSource) VariantPosition(j int) int64    { return int64(j) }
func (f *fakeSource) ReadDosages(j int, out []float64) error {
	copy(out, f.cols[j])
	return nil
}

// tinyEngine builds a 6-sample, 3-variant engine with l environment
// columns (0, 1 or more), no covariates, and a small hyperparameter grid
// point, mirroring what cmd/lemma/vb.go assembles for one grid row.
func tinyEngine(c *check.C, l int, empiricalBayes bool) *Engine {
	n := 6
	src := &fakeSource{n: n, cols: [][]float64{
		{0, 1, 2, 0, 1, 2},
		{2, 0, 1, 1, 2, 0},
		{1, 2, 0, 2, 0, 1},
	}}
	geno, err := genotype.New(src, 128)
	c.Assert(err, check.IsNil)

	var env *mat.Dense
	if l > 0 {
		env = mat.NewDense(n, l, nil)
		for i := 0; i < n; i++ {
			for lc := 0; lc < l; lc++ {
				env.Set(i, lc, float64((i+lc)%3)-1)
			}
		}
	}

	proj, err := covariate.New(mat.NewDense(n, 0, nil))
	c.Assert(err, check.IsNil)

	y := make([]float64, n)
	for i := range y {
		y[i] = float64(i) - 2.5
	}

	state := vbstate.New(geno.NVariants(), proj.K(), l, n, false, false)
	hyps := &vbstate.Hyps{}
	hyps.InitFromGrid(vbstate.GridRow{Sigma: 1, SigmaB: 1, SigmaG: 1, LambdaB: 0.5, LambdaG: 0.3}, 100)

	opts := DefaultOptions()
	opts.EmpiricalBayes = empiricalBayes
	opts.BurninMaxHyps = 0

	log := logrus.NewEntry(logrus.StandardLogger())
	e, err := New(opts, geno, env, proj, y, collective.Local{}, state, hyps, log)
	c.Assert(err, check.IsNil)
	return e
}

// Round index is fixed for the life of an Engine (round 2, the real run),
// never derived from the iteration counter's forward/backward parity.
func (s *engineSuite) TestRoundIndexIsFixed(c *check.C) {
	e := tinyEngine(c, 0, false)
	c.Check(e.roundIndex, check.Equals, 2)
	e.SetIteration(7)
	c.Check(e.roundIndex, check.Equals, 2)
}

// With a single environment column, env weights are never variational
// parameters (there is nothing to weigh relative to) and must stay at
// their zero initialization across an iteration.
func (s *engineSuite) TestEnvWeightsUntouchedWhenSingleColumn(c *check.C) {
	e := tinyEngine(c, 1, false)
	c.Assert(e.RunIteration(), check.IsNil)
	c.Check(e.State.MuW, check.DeepEquals, []float64{0})
}

// Empirical-Bayes hyperparameter maximization must run on the very first
// iteration once burn-in has elapsed, regardless of iteration parity.
func (s *engineSuite) TestEmpiricalBayesRunsOnFirstIteration(c *check.C) {
	e := tinyEngine(c, 0, true)
	initialSigma := e.Hyps.Sigma
	c.Assert(e.RunIteration(), check.IsNil)
	c.Check(e.Hyps.Sigma == initialSigma, check.Equals, false)
}

// updateEnvWeights' eff term must subtract the off-diagonal cross-term sum
// over every *other* env column (weighted by that column's current mu_w),
// not the same diagonal sum used for s_w^2's denominator.
func (s *engineSuite) TestUpdateEnvWeightsCrossTerm(c *check.C) {
	env := mat.NewDense(2, 2, []float64{
		1, 2,
		3, 1,
	})
	colOf := func(j int, out []float64) error {
		out[0], out[1] = 1, 1
		return nil
	}
	dxteex, err := vbstate.ComputeDXtEEX(1, env, colOf)
	c.Assert(err, check.IsNil)

	state := vbstate.New(1, 0, 2, 2, false, false)
	state.Gamma.Var[0] = 2
	state.MuW[0], state.MuW[1] = 0, 3
	state.Yx[0], state.Yx[1] = 1, 2
	state.Eta[0], state.Eta[1] = 6, 3

	e := &Engine{
		Opts:      DefaultOptions(),
		env:       env,
		dxteex:    dxteex,
		State:     state,
		Hyps:      &vbstate.Hyps{Sigma: 4},
		y:         []float64{5, 7},
		colNormSq: []float64{1},
	}

	e.updateEnvWeights(true)

	// Hand-derived from vbayes_x2.hpp's updateEnvWeights: sWsq(0) =
	// sigma/(sigma+envSS+varGammaDxteex) = 4/61, eff = 5 - 2*15 = -25,
	// muw(0) = sWsq(0)*eff/sigma = -25/61.
	got := fmt.Sprintf("%.6f", state.MuW[0])
	c.Check(got, check.Equals, fmt.Sprintf("%.6f", -25.0/61.0))

	// The old formula (reusing the diagonal dXtEEX[j,l,l] sum instead of
	// the off-diagonal cross term) would have produced -15/61: guard
	// against silently regressing back to it.
	buggy := fmt.Sprintf("%.6f", -15.0/61.0)
	c.Check(got == buggy, check.Equals, false)
}

// updatePhase gates on only the explicitly-set tolerance when exactly one
// was set by the caller, and ANDs both when both or neither were set.
func (s *engineSuite) TestUpdatePhaseToleranceGating(c *check.C) {
	base := func(alphaSet, elboSet bool) *Engine {
		return &Engine{
			Opts: Options{
				AlphaTol: 0.1, ElboTol: 0.1,
				AlphaTolSet: alphaSet, ElboTolSet: elboSet,
				VBIterMax: 1000,
			},
			ElboHistory: []float64{-10, -9.95}, // delta = 0.05, under ElboTol
		}
	}

	// alpha=0.2 (over AlphaTol), elbo delta=0.05 (under ElboTol).
	// Only alpha-tol set: gate on alpha alone -> not converged.
	e := base(true, false)
	e.updatePhase(0.2)
	c.Check(e.phase, check.Equals, Updating)

	// Only elbo-tol set: gate on elbo alone -> converged, even though
	// alpha is far from its tolerance.
	e = base(false, true)
	e.updatePhase(0.2)
	c.Check(e.phase, check.Equals, Converged)

	// Neither explicitly set (both at their defaults): AND, as before.
	e = base(false, false)
	e.updatePhase(0.2)
	c.Check(e.phase, check.Equals, Updating)

	// Both explicitly set: AND.
	e = base(true, true)
	e.updatePhase(0.2)
	c.Check(e.phase, check.Equals, Updating)

	// Both explicitly set and both satisfied: converged.
	e = base(true, true)
	e.updatePhase(0.05)
	c.Check(e.phase, check.Equals, Converged)
}
