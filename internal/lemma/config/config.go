// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config holds the full §6 option set, hyperparameter-grid
// row parsing/validation, and the §5 rank-partitioning arithmetic. It
// translates CLI-facing values into the smaller option structs the
// vbengine/rhe packages actually consume.
package config

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"

	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/vbengine"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/vbstate"
)

// Config collects every §6 "Configuration options" key recognized by the
// core, plus the file paths and numeric knobs a CLI subcommand needs to
// assemble Engines and a TraceEstimator.
type Config struct {
	ModeMogPriorBeta bool
	ModeMogPriorGam  bool
	EffectsPriorMog  bool // shorthand for both above

	ModeEmpiricalBayes bool
	UseVBOnCovars      bool

	SpikeDiffFactor  float64
	BurninMaxHyps    int
	EnvUpdateRepeats int

	VBIterMax   int
	VBIterStart int
	AlphaTol    float64
	ElboTol     float64
	// AlphaTolSet/ElboTolSet record whether the CLI caller explicitly
	// passed each tolerance flag; see vbengine.Options for how this
	// changes the convergence gate.
	AlphaTolSet bool
	ElboTolSet  bool

	NPVESamples     int
	NJackknife      int
	MainChunkSize   int
	GxEChunkSize    int
	MaxBytesPerRank int64
	RandomSeed      uint64

	EnvWeightsInitFile string
}

// Default returns §6's documented defaults.
func Default() Config {
	return Config{
		SpikeDiffFactor:  100,
		EnvUpdateRepeats: 1,
		VBIterMax:        1000,
		AlphaTol:         1e-4,
		ElboTol:          1e-2,
		NPVESamples:      20,
		NJackknife:       100,
		MainChunkSize:    128,
		GxEChunkSize:     128,
		MaxBytesPerRank:  32 << 30,
		RandomSeed:       1,
	}
}

// Validate checks cross-field consistency and returns *ConfigError on any
// violation.
func (c *Config) Validate() error {
	if c.AlphaTol <= 0 {
		return lemmaerrors.Newf(lemmaerrors.Config, "alpha_tol must be positive, got %g", c.AlphaTol)
	}
	if c.ElboTol <= 0 {
		return lemmaerrors.Newf(lemmaerrors.Config, "elbo_tol must be positive, got %g", c.ElboTol)
	}
	if c.VBIterMax <= 0 {
		return lemmaerrors.Newf(lemmaerrors.Config, "vb_iter_max must be positive, got %d", c.VBIterMax)
	}
	if c.NJackknife <= 0 {
		return lemmaerrors.Newf(lemmaerrors.Config, "n_jacknife must be positive, got %d", c.NJackknife)
	}
	if c.MainChunkSize <= 0 || c.GxEChunkSize <= 0 {
		return lemmaerrors.Newf(lemmaerrors.Config, "chunk sizes must be positive")
	}
	if c.SpikeDiffFactor <= 0 {
		return lemmaerrors.Newf(lemmaerrors.Config, "spike_diff_factor must be positive, got %g", c.SpikeDiffFactor)
	}
	return nil
}

// EngineOptions translates Config into the smaller vbengine.Options the
// coordinate-ascent core consumes.
func (c *Config) EngineOptions() vbengine.Options {
	mogBeta := c.ModeMogPriorBeta || c.EffectsPriorMog
	mogGam := c.ModeMogPriorGam || c.EffectsPriorMog
	opts := vbengine.DefaultOptions()
	opts.MogBeta = mogBeta
	opts.MogGamma = mogGam
	opts.UseVBOnCovars = c.UseVBOnCovars
	opts.EmpiricalBayes = c.ModeEmpiricalBayes
	opts.SpikeDiffFactor = c.SpikeDiffFactor
	opts.BurninMaxHyps = c.BurninMaxHyps
	opts.EnvUpdateRepeats = c.EnvUpdateRepeats
	opts.MainChunkSize = c.MainChunkSize
	opts.GxEChunkSize = c.GxEChunkSize
	opts.AlphaTol = c.AlphaTol
	opts.ElboTol = c.ElboTol
	opts.AlphaTolSet = c.AlphaTolSet
	opts.ElboTolSet = c.ElboTolSet
	opts.VBIterMax = c.VBIterMax
	return opts
}

// ParseGrid reads a hyperparameter-grid file (§6): whitespace-delimited
// rows of (sigma, sigma_b, sigma_g, lambda_b, lambda_g), validating each
// row per §6: sigma, sigma_b > 0, sigma_g >= 0, 1/P <= lambda_b < 1,
// 0 <= lambda_g < 1, all finite.
func ParseGrid(r io.Reader, p int) ([]vbstate.GridRow, error) {
	scanner := bufio.NewScanner(r)
	var rows []vbstate.GridRow
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, lemmaerrors.Newf(lemmaerrors.Config, "grid line %d: expected 5 fields, got %d", lineNo, len(fields))
		}
		vals := make([]float64, 5)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, lemmaerrors.Wrap(lemmaerrors.Config, err, "grid line %d field %d", lineNo, i)
			}
			vals[i] = v
		}
		row := vbstate.GridRow{Sigma: vals[0], SigmaB: vals[1], SigmaG: vals[2], LambdaB: vals[3], LambdaG: vals[4]}
		if err := validateGridRow(row, p, lineNo); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "reading hyperparameter grid")
	}
	if len(rows) == 0 {
		return nil, lemmaerrors.Newf(lemmaerrors.Config, "no valid grid point")
	}
	return rows, nil
}

func validateGridRow(row vbstate.GridRow, p, lineNo int) error {
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
	if !finite(row.Sigma) || !finite(row.SigmaB) || !finite(row.SigmaG) || !finite(row.LambdaB) || !finite(row.LambdaG) {
		return lemmaerrors.Newf(lemmaerrors.Config, "grid line %d: all values must be finite", lineNo)
	}
	if row.Sigma <= 0 {
		return lemmaerrors.Newf(lemmaerrors.Config, "grid line %d: sigma must be > 0", lineNo)
	}
	if row.SigmaB <= 0 {
		return lemmaerrors.Newf(lemmaerrors.Config, "grid line %d: sigma_b must be > 0", lineNo)
	}
	if row.SigmaG < 0 {
		return lemmaerrors.Newf(lemmaerrors.Config, "grid line %d: sigma_g must be >= 0", lineNo)
	}
	minLambdaB := 1.0
	if p > 0 {
		minLambdaB = 1.0 / float64(p)
	}
	if row.LambdaB < minLambdaB || row.LambdaB >= 1 {
		return lemmaerrors.Newf(lemmaerrors.Config, "grid line %d: lambda_b must be in [%g, 1)", lineNo, minLambdaB)
	}
	if row.LambdaG < 0 || row.LambdaG >= 1 {
		return lemmaerrors.Newf(lemmaerrors.Config, "grid line %d: lambda_g must be in [0, 1)", lineNo)
	}
	return nil
}

// RankPlan is the result of §5's rank-partitioning arithmetic: how many
// samples each rank owns.
type RankPlan struct {
	DXtEEXBytes       int64
	SamplesPerRank    []int // length size
}

// PlanRanks computes §5's rank partitioning: given N valid samples, L env
// variables, P variants, and `size` ranks, checks the dXtEEX memory budget
// and spreads samples across ranks, shrinking rank 0 first if the
// per-rank byte cap would otherwise be exceeded.
func PlanRanks(n, l, p, size int, maxBytesPerRank int64) (*RankPlan, error) {
	dxteexBytes := int64(8) * int64(p) * int64(l) * int64(l+1) / 2
	if dxteexBytes >= maxBytesPerRank {
		return nil, lemmaerrors.RankOverflow("dXtEEX", dxteexBytes, maxBytesPerRank)
	}
	if size <= 0 {
		size = 1
	}
	samplesPerRank := (n + size - 1) / size

	plan := &RankPlan{DXtEEXBytes: dxteexBytes, SamplesPerRank: make([]int, size)}
	rank0 := samplesPerRank
	if dxteexBytes+int64(p)*int64(samplesPerRank) > maxBytesPerRank {
		rank0 = int((maxBytesPerRank - dxteexBytes) / int64(p))
		if rank0 < 1 {
			return nil, lemmaerrors.RankOverflow("rank-0 samples", int64(p), maxBytesPerRank-dxteexBytes)
		}
	}
	plan.SamplesPerRank[0] = rank0
	remaining := n - rank0
	if size > 1 {
		per := remaining / (size - 1)
		extra := remaining % (size - 1)
		for i := 1; i < size; i++ {
			plan.SamplesPerRank[i] = per
			if i <= extra {
				plan.SamplesPerRank[i]++
			}
		}
	} else if remaining > 0 {
		return nil, lemmaerrors.RankOverflow("single-rank samples", int64(remaining), 0)
	}

	total := 0
	for _, s := range plan.SamplesPerRank {
		if s < 1 {
			return nil, lemmaerrors.Newf(lemmaerrors.MemoryBudget, "rank partitioning left a rank with zero samples")
		}
		total += s
	}
	if total != n {
		return nil, lemmaerrors.Newf(lemmaerrors.MemoryBudget, "rank partitioning covers %d of %d samples", total, n)
	}
	return plan, nil
}
