// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package randdraws implements the deterministic N×B standard-Gaussian
// draw generator (component C3) used by the randomized trace estimator.
package randdraws

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// splitmix64 re-seeds a single 64-bit seed into a well-mixed stream,
// following the reference SplitMix64 construction (Steele, Lea & Flood
// 2014) so that nearby seeds don't produce correlated PCG/Mersenne
// Twister initial states. Pure integer arithmetic keeps it bit-identical
// across platforms.
type splitmix64 struct{ state uint64 }

func (s *splitmix64) next() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// Generator produces N×B matrices of i.i.d. N(0,1) draws, deterministic
// in a single 64-bit seed and reproducible across platforms (pure-Go
// arithmetic, no hardware RNG dependency) as required by §4.3.
type Generator struct {
	seed  uint64
	src   rand.Source
	dist  distuv.Normal
	drawn uint64 // total float64 values drawn so far, for resume bookkeeping
}

// New builds a Generator from a single seed, expanding it via SplitMix64
// before handing the mixed state to the underlying source.
func New(seed uint64) *Generator {
	sm := &splitmix64{state: seed}
	src := rand.NewSource(sm.next())
	g := &Generator{seed: seed, src: src}
	g.dist = distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	return g
}

// Draw returns a fresh N×B matrix of i.i.d. standard normal draws,
// advancing the generator's internal stream.
func (g *Generator) Draw(n, b int) *mat.Dense {
	out := mat.NewDense(n, b, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < b; j++ {
			out.Set(i, j, g.dist.Rand())
			g.drawn++
		}
	}
	return out
}

// State is the serializable form of a Generator's position in its
// stream, per §9's "Resume serializes:... RNG state." Since the
// underlying source is a pure function of its seed, State captures the
// seed and the number of draws already consumed; Restore replays (and
// discards) that many draws to reach the same position.
type State struct {
	Seed  uint64
	Drawn uint64
}

// State snapshots the generator's current position.
func (g *Generator) State() State { return State{Seed: g.seed, Drawn: g.drawn} }

// Restore rebuilds a Generator at the exact stream position described by
// s, so that subsequent Draw calls are bit-identical to a run that was
// never interrupted.
func Restore(s State) *Generator {
	g := New(s.Seed)
	const burstSize = 4096
	remaining := s.Drawn
	for remaining > 0 {
		n := burstSize
		if uint64(n) > remaining {
			n = int(remaining)
		}
		for i := 0; i < n; i++ {
			g.dist.Rand()
		}
		remaining -= uint64(n)
	}
	g.drawn = s.Drawn
	return g
}
