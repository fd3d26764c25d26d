// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package vbengine implements the coordinate-ascent core (component C7):
// covariates -> beta/gamma chunks -> env weights -> (optional) hyp
// maximization, ELBO evaluation, and the convergence gate. One Engine
// drives one hyperparameter-grid point; cmd/lemma/vb runs one Engine per
// grid point, one grid point after another.
package vbengine

import (
	"math"

	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/collective"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/covariate"
	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/genotype"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/vbstate"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Phase is the iteration-level state machine of §4.7.
type Phase int

const (
	Init Phase = iota
	Updating
	Converged
	Stalled
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "init"
	case Updating:
		return "updating"
	case Converged:
		return "converged"
	case Stalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// Options collects the §6 configuration keys that govern one Engine's
// behavior. The full CLI-facing option set lives in internal/lemma/config;
// Options is the subset the coordinate-ascent core itself consumes.
type Options struct {
	MogBeta, MogGamma bool
	UseVBOnCovars     bool
	EmpiricalBayes    bool
	SpikeDiffFactor   float64
	BurninMaxHyps     int
	EnvUpdateRepeats  int
	MainChunkSize     int
	GxEChunkSize      int
	AlphaTol          float64
	ElboTol           float64
	// AlphaTolSet/ElboTolSet record whether the caller explicitly passed
	// each tolerance: if exactly one was explicitly set, only that one
	// gates convergence; if both or neither were set, both are ANDed.
	AlphaTolSet bool
	ElboTolSet  bool
	VBIterMax   int
	// CovariatePriorVar is the relative prior variance sigma_c used in
	// step 1's s_c^2 update and its matching KL term; the teacher's
	// corpus has no covariate-prior concept to ground this on, so it is
	// a plain numeric constant (see DESIGN.md).
	CovariatePriorVar float64
}

// DefaultOptions returns spec §6's documented defaults.
func DefaultOptions() Options {
	return Options{
		SpikeDiffFactor:   100,
		EnvUpdateRepeats:  1,
		MainChunkSize:     128,
		GxEChunkSize:      128,
		AlphaTol:          1e-4,
		ElboTol:           1e-2,
		VBIterMax:         1000,
		CovariatePriorVar: 1e4,
	}
}

// Engine is the coordinate-ascent updater for one grid point.
type Engine struct {
	Opts Options
	Log  *logrus.Entry

	geno *genotype.View
	env  *mat.Dense // N x L, nil if L == 0
	proj *covariate.Projector
	y    []float64

	colNormSq []float64 // length P, squared norm of each standardized column
	dxteex    *vbstate.DXtEEX

	reducer collective.Reducer

	State *vbstate.State
	Hyps  *vbstate.Hyps

	iter        int
	forwardPass bool
	phase       Phase

	// roundIndex is fixed for the life of an Engine, not derived from
	// the forward/backward pass toggle: round 1 is the reference
	// implementation's random-start search over the grid, round 2 is
	// the real run. This repo only ever runs round 2 (cmd/lemma/vb
	// never does a round-1 search).
	roundIndex int

	ElboHistory      []float64
	AlphaDiffHistory []float64
}

// New builds an Engine over one grid point's initial State/Hyps. env may
// be nil when L == 0 (no gene-environment component).
func New(opts Options, geno *genotype.View, env *mat.Dense, proj *covariate.Projector, y []float64, reducer collective.Reducer, state *vbstate.State, hyps *vbstate.Hyps, log *logrus.Entry) (*Engine, error) {
	if len(y) != geno.NSamples() {
		return nil, lemmaerrors.Newf(lemmaerrors.Config, "y has length %d, want %d", len(y), geno.NSamples())
	}
	e := &Engine{
		Opts:        opts,
		Log:         log,
		geno:        geno,
		env:         env,
		proj:        proj,
		y:           append([]float64(nil), y...),
		reducer:     reducer,
		State:       state,
		Hyps:        hyps,
		forwardPass: true,
		phase:       Init,
		roundIndex:  2,
	}
	p := geno.NVariants()
	e.colNormSq = make([]float64, p)
	col := make([]float64, geno.NSamples())
	for j := 0; j < p; j++ {
		if err := geno.Col(j, col); err != nil {
			return nil, err
		}
		var ss float64
		for _, v := range col {
			ss += v * v
		}
		e.colNormSq[j] = ss
	}
	if env != nil {
		d, err := vbstate.ComputeDXtEEX(p, env, geno.Col)
		if err != nil {
			return nil, err
		}
		e.dxteex = d
	}
	return e, nil
}

// Phase returns the current iteration-level state.
func (e *Engine) Phase() Phase { return e.phase }

// Iteration returns the current iteration counter.
func (e *Engine) Iteration() int { return e.iter }

// SetIteration overrides the iteration counter, used by the resume path to
// continue from vb_iter_start. The pass direction follows the counter's
// parity exactly as RunIteration sets it (even forward, odd backward).
func (e *Engine) SetIteration(c int) {
	e.iter = c
	e.forwardPass = c%2 == 0
}

// RunIteration performs one full coordinate-ascent sweep (§4.7's ordered
// steps 1-6) and updates the convergence state machine.
func (e *Engine) RunIteration() error {
	e.phase = Updating

	if e.Opts.UseVBOnCovars {
		e.updateCovariates()
	}

	prevAlphaBeta := append([]float64(nil), e.State.Beta.Alpha...)
	prevAlphaGamma := append([]float64(nil), e.State.Gamma.Alpha...)

	if err := e.updateEffect(vbstate.EffectMain, e.Opts.MainChunkSize, e.forwardPass); err != nil {
		return err
	}
	e.State.Beta.CalcVar()

	if e.env != nil {
		if err := e.updateEffect(vbstate.EffectGxE, e.Opts.GxEChunkSize, e.forwardPass); err != nil {
			return err
		}
		e.State.Gamma.CalcVar()

		if e.dxteex.L() > 1 {
			for r := 0; r < e.Opts.EnvUpdateRepeats; r++ {
				e.updateEnvWeights(true)
				e.updateEnvWeights(false)
			}
		}
	}

	elbo, err := e.ComputeELBO()
	if err != nil {
		return err
	}
	prevElbo := math.Inf(-1)
	if len(e.ElboHistory) > 0 {
		prevElbo = e.ElboHistory[len(e.ElboHistory)-1]
	}
	if elbo < prevElbo-1e-6 && e.Log != nil {
		e.Log.WithFields(logrus.Fields{"iter": e.iter, "delta": elbo - prevElbo}).Warn("ELBO decreased")
	}
	e.ElboHistory = append(e.ElboHistory, elbo)

	if e.roundIndex > 1 && e.Opts.EmpiricalBayes && e.iter >= e.Opts.BurninMaxHyps {
		if err := e.maximizeHyps(); err != nil {
			return err
		}
		elbo, err = e.ComputeELBO()
		if err != nil {
			return err
		}
		e.ElboHistory[len(e.ElboHistory)-1] = elbo
		e.Hyps.InitPVE([2]bool{e.Opts.MogBeta, e.Opts.MogGamma})
	}

	alphaDiff := maxAbsDiff(prevAlphaBeta, e.State.Beta.Alpha)
	if g := maxAbsDiff(prevAlphaGamma, e.State.Gamma.Alpha); g > alphaDiff {
		alphaDiff = g
	}
	e.AlphaDiffHistory = append(e.AlphaDiffHistory, alphaDiff)

	e.iter++
	e.forwardPass = e.iter%2 == 0
	e.updatePhase(alphaDiff)
	return nil
}

func maxAbsDiff(a, b []float64) float64 {
	var m float64
	for i := range a {
		d := math.Abs(a[i] - b[i])
		if d > m {
			m = d
		}
	}
	return m
}
