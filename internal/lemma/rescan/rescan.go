// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package rescan implements the post-hoc per-variant p-value pass
// (component C9): a per-variant interaction t-test on the converged
// posterior residuals, and a leave-one-chromosome-out (LOCO) likelihood-
// ratio test (chi-squared, 1 df) comparing main-effect-only against
// main+interaction nested Gaussian GLMs; no F distribution is used.
package rescan

import (
	"io"
	"log"
	"math"

	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/genotype"
	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat/distuv"
)

var gaussianConfig = &glm.Config{
	Family:    glm.NewFamily(glm.GaussianFamily),
	FitMethod: "IRLS",
	Log:       log.New(io.Discard, "", 0),
}

// VariantResult is one row of the per-variant rescan output.
type VariantResult struct {
	Variant     int
	NegLogPInt  float64 // two-sided t-test of gamma, interaction scan
	NegLogPLOCO float64 // likelihood-ratio-test p-value, LOCO scan
}

// InteractionTTest computes the per-variant interaction neglog-p (§4.9):
// the two-sided t-test of gamma in (y-ym) ~ diag(eta)*X[:,j].
func InteractionTTest(geno *genotype.View, y, ym, eta []float64) ([]VariantResult, error) {
	n := geno.NSamples()
	p := geno.NVariants()
	resid := make([]float64, n)
	for i := 0; i < n; i++ {
		resid[i] = y[i] - ym[i]
	}

	out := make([]VariantResult, p)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		if err := geno.Col(j, col); err != nil {
			return nil, err
		}
		z := make([]float64, n)
		for i := range z {
			z[i] = eta[i] * col[i]
		}
		negLogP, err := simpleTTest(resid, z)
		if err != nil {
			return nil, err
		}
		out[j] = VariantResult{Variant: j, NegLogPInt: negLogP}
	}
	return out, nil
}

// simpleTTest fits the no-intercept single-predictor OLS slope of y on x
// and returns -log10(p) of the two-sided t-test that the slope is zero.
func simpleTTest(y, x []float64) (float64, error) {
	n := len(y)
	var sxx, sxy float64
	for i := range x {
		sxx += x[i] * x[i]
		sxy += x[i] * y[i]
	}
	if sxx <= 0 {
		return 0, nil
	}
	slope := sxy / sxx
	var rss float64
	for i := range x {
		r := y[i] - slope*x[i]
		rss += r * r
	}
	df := n - 1
	if df <= 0 {
		return 0, lemmaerrors.Newf(lemmaerrors.Numerical, "simpleTTest: no residual degrees of freedom")
	}
	sigma2 := rss / float64(df)
	se := math.Sqrt(sigma2 / sxx)
	if se == 0 {
		return 0, nil
	}
	t := slope / se
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(df)}
	p := 2 * dist.Survival(math.Abs(t))
	return negLog10(p), nil
}

func negLog10(p float64) float64 {
	if p <= 0 {
		return math.Inf(1)
	}
	return -math.Log10(p)
}

// LOCOResult is one row of the LOCO joint-test output.
type LOCOResult struct {
	Variant     int
	NegLogPLOCO float64
}

// LOCOResidual recomputes the leave-one-chromosome-out residual of §4.9:
// (y - ym - yx*eta) + X_c*E[beta_c] + (X_c*E[gamma_c])*eta, for chromosome
// chr, given the variant-level posterior mean contributions betaMean and
// gammaMean restricted to chr's kept-index range.
func LOCOResidual(geno *genotype.View, chr string, y, ym, yx, eta, betaMean, gammaMean []float64) ([]float64, error) {
	n := geno.NSamples()
	resid := make([]float64, n)
	for i := 0; i < n; i++ {
		resid[i] = y[i] - ym[i] - yx[i]*eta[i]
	}
	indices := geno.IndicesForChromosome(chr)
	if len(indices) == 0 {
		return resid, nil
	}
	mainContrib, err := geno.MultByChr(chr, betaMean)
	if err != nil {
		return nil, err
	}
	gxeContrib, err := geno.MultByChr(chr, gammaMean)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		resid[i] += mainContrib[i] + gxeContrib[i]*eta[i]
	}
	return resid, nil
}

// JointFTest fits a per-variant nested pair of Gaussian GLMs -
// resid ~ X[:,j] and resid ~ X[:,j] + diag(eta)*X[:,j] - and returns
// -log10 of the likelihood-ratio-test survival p-value for the
// interaction term, generalizing the teacher's binomial LRT
// (glmPvalueFunc in glm.go) to a Gaussian family.
func JointFTest(geno *genotype.View, chr string, resid, eta []float64) ([]LOCOResult, error) {
	indices := geno.IndicesForChromosome(chr)
	n := geno.NSamples()

	outcome := make([]statmodel.Dtype, n)
	for i, v := range resid {
		outcome[i] = statmodel.Dtype(v)
	}
	constants := make([]statmodel.Dtype, n)
	for i := range constants {
		constants[i] = 1
	}

	col := make([]float64, n)
	out := make([]LOCOResult, 0, len(indices))
	for _, j := range indices {
		if err := geno.Col(j, col); err != nil {
			return nil, err
		}
		main := make([]statmodel.Dtype, n)
		gxe := make([]statmodel.Dtype, n)
		for i := range col {
			main[i] = statmodel.Dtype(col[i])
			gxe[i] = statmodel.Dtype(eta[i] * col[i])
		}

		nullData := statmodel.NewDataset([][]statmodel.Dtype{outcome, constants, main}, []string{"resid", "constants", "main"})
		nullModel, err := glm.NewGLM(nullData, "resid", []string{"constants", "main"}, gaussianConfig)
		if err != nil {
			return nil, lemmaerrors.Wrap(lemmaerrors.Numerical, err, "variant %d null model", j)
		}
		nullResult := nullModel.Fit()
		logNull := nullResult.LogLike()

		fullData := statmodel.NewDataset([][]statmodel.Dtype{outcome, constants, main, gxe}, []string{"resid", "constants", "main", "gxe"})
		fullModel, err := glm.NewGLM(fullData, "resid", []string{"constants", "main", "gxe"}, gaussianConfig)
		if err != nil {
			return nil, lemmaerrors.Wrap(lemmaerrors.Numerical, err, "variant %d full model", j)
		}
		fullResult := fullModel.Fit()
		logFull := fullResult.LogLike()

		dist := distuv.ChiSquared{K: 1}
		p := dist.Survival(-2 * (logNull - logFull))
		out = append(out, LOCOResult{Variant: j, NegLogPLOCO: negLog10(p)})
	}
	return out, nil
}
