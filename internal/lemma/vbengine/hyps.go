// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vbengine

import (
	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/vbstate"
)

// maximizeHyps performs §4.7 step 6's closed-form empirical-Bayes
// hyperparameter update: sigma from the expected residual, per-effect-type
// inclusion rate and slab variance from the current posterior moments.
func (e *Engine) maximizeHyps() error {
	n := len(e.y)
	localSums := []float64{e.expectedSquaredResidual()}
	if err := e.reducer.SumFloat64(localSums); err != nil {
		return lemmaerrors.Wrap(lemmaerrors.IO, err, "reducing hyperparameter sufficient statistics")
	}
	expectedSq := localSums[0]

	denom := float64(n)
	if e.Opts.UseVBOnCovars {
		denom = float64(n + len(e.State.MuC))
	}
	e.Hyps.Sigma = expectedSq / denom

	maximizeEffect(vbstate.EffectMain, e.State.Beta, e.Hyps)
	if e.env != nil {
		maximizeEffect(vbstate.EffectGxE, e.State.Gamma, e.Hyps)
	}
	e.Hyps.Recompute()
	return nil
}

func maximizeEffect(ee int, eff *vbstate.EffectState, hyps *vbstate.Hyps) {
	p := float64(len(eff.Alpha))
	var sumAlpha, slabNumer float64
	for j, a := range eff.Alpha {
		sumAlpha += a
		slabNumer += a * (eff.S1sq[j] + eff.Mu1[j]*eff.Mu1[j])
	}
	if p > 0 {
		hyps.Lambda[ee] = sumAlpha / p
	}
	if sumAlpha > 0 {
		slabVar := slabNumer / sumAlpha
		hyps.SlabRelVar[ee] = slabVar / hyps.Sigma
	}
}
