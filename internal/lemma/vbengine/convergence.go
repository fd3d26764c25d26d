// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vbengine

// updatePhase advances the {Init, Updating, Converged, Stalled} state
// machine per §4.7's convergence gate: max|alpha^c - alpha^(c-1)| < alpha_tol
// AND elbo^c - elbo^(c-1) < elbo_tol, or the hard iteration cap is hit. If
// the caller explicitly set only one of the two tolerances, only that one
// gates convergence; both are ANDed when both were explicitly set (or
// neither was, in which case the defaults are ANDed as before).
func (e *Engine) updatePhase(alphaDiff float64) {
	if e.iter >= e.Opts.VBIterMax {
		e.phase = Stalled
		return
	}
	if len(e.ElboHistory) < 2 {
		e.phase = Updating
		return
	}
	elboDelta := e.ElboHistory[len(e.ElboHistory)-1] - e.ElboHistory[len(e.ElboHistory)-2]
	alphaOK := alphaDiff < e.Opts.AlphaTol
	elboOK := elboDelta < e.Opts.ElboTol

	var converged bool
	switch {
	case e.Opts.AlphaTolSet && !e.Opts.ElboTolSet:
		converged = alphaOK
	case e.Opts.ElboTolSet && !e.Opts.AlphaTolSet:
		converged = elboOK
	default:
		converged = alphaOK && elboOK
	}
	if converged {
		e.phase = Converged
		return
	}
	e.phase = Updating
}

// Converged reports whether the engine has reached the convergence gate.
func (e *Engine) Converged() bool { return e.phase == Converged }

// Stalled reports whether the engine hit the hard iteration cap without
// converging.
func (e *Engine) Stalled() bool { return e.phase == Stalled }
