// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/genotype"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/output"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/rhe"
	"gonum.org/v1/gonum/mat"
)

// rheCommand runs the randomized Haseman-Elston trace estimator (§4.4):
// streams standardized genotype chunks into a main-effect (and, given an
// eta vector, GxE) component, solves the variance-component system, and
// reports jackknife standard errors on the heritability shares.
type rheCommand struct{}

func (rheCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(prog, flag.ContinueOnError)
	fs.SetOutput(stderr)
	genoPath := fs.String("geno", "", "genotype dosage file (required)")
	phenoPath := fs.String("pheno", "", "phenotype file (required)")
	covarPath := fs.String("covar", "", "covariate file (optional)")
	etaPath := fs.String("eta", "", "per-sample eta file, enables a GxE component (optional)")
	nDraws := fs.Int("n-draws", 10, "number of random probe vectors")
	nJackknife := fs.Int("n-jackknife", 100, "number of jackknife blocks")
	seed := fs.Uint64("seed", 1, "random draw seed")
	chunkSize := fs.Int("chunk-size", 128, "genotype streaming chunk width")
	outPrefix := fs.String("out-prefix", "lemma-rhe", "output file prefix")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *genoPath == "" || *phenoPath == "" {
		fmt.Fprintln(stderr, "rhe: -geno and -pheno are required")
		fs.Usage()
		return 2
	}

	geno, err := loadGenotype(*genoPath, *chunkSize)
	if err != nil {
		return fail(stderr, err)
	}
	y, err := loadPhenotype(*phenoPath)
	if err != nil {
		return fail(stderr, err)
	}
	covar, err := loadOptionalMatrix(*covarPath)
	if err != nil {
		return fail(stderr, err)
	}
	proj, err := buildProjector(covar, geno.NSamples())
	if err != nil {
		return fail(stderr, err)
	}

	specs := []rhe.ComponentSpec{{Label: "G"}}
	if *etaPath != "" {
		eta, err := loadPhenotype(*etaPath)
		if err != nil {
			return fail(stderr, err)
		}
		if len(eta) != geno.NSamples() {
			return fail(stderr, fmt.Errorf("eta file has %d rows, want %d", len(eta), geno.NSamples()))
		}
		specs = append(specs, rhe.ComponentSpec{Label: "GxE", HasEnvModulator: true, Eta: eta})
	}

	totalCumLen := int64(0)
	for j := 0; j < geno.NVariants(); j++ {
		if p := geno.CumulativePos(j); p > totalCumLen {
			totalCumLen = p
		}
	}

	est, err := rhe.New(specs, y, *nDraws, *nJackknife, *seed, proj, totalCumLen)
	if err != nil {
		return fail(stderr, err)
	}
	if err := streamChunks(geno, *chunkSize, est); err != nil {
		return fail(stderr, err)
	}

	full, err := est.Solve(rhe.NoBlock)
	if err != nil {
		return fail(stderr, err)
	}
	fullPve := full.Heritability(true)

	perBlockPve := make([][]float64, *nJackknife)
	for b := 0; b < *nJackknife; b++ {
		sys, err := est.Solve(b)
		if err != nil {
			return fail(stderr, err)
		}
		perBlockPve[b] = sys.Heritability(true)
	}

	w, err := output.Create(*outPrefix + ".heritability.txt")
	if err != nil {
		return fail(stderr, err)
	}
	if err := w.WriteRow("component", "pve", "jackknife_se", "bias_corrected"); err != nil {
		w.Close()
		return fail(stderr, err)
	}
	for i, label := range full.Labels {
		deletes := make([]float64, *nJackknife)
		for b := range deletes {
			deletes[b] = perBlockPve[b][i]
		}
		se, corrected := rhe.JackknifeSE(fullPve[i], deletes)
		if err := w.WriteRow(label, output.FormatFloat(fullPve[i]), output.FormatFloat(se), output.FormatFloat(corrected)); err != nil {
			w.Close()
			return fail(stderr, err)
		}
	}
	if err := w.Close(); err != nil {
		return fail(stderr, err)
	}
	return 0
}

// streamChunks feeds every standardized column of geno into est,
// chunkSize columns at a time, using each chunk's first column's
// cumulative position to select its jackknife block (§4.4).
func streamChunks(geno *genotype.View, chunkSize int, est *rhe.Estimator) error {
	p := geno.NVariants()
	for start := 0; start < p; start += chunkSize {
		end := start + chunkSize
		if end > p {
			end = p
		}
		indices := make([]int, end-start)
		for i := range indices {
			indices[i] = start + i
		}
		d := mat.NewDense(geno.NSamples(), len(indices), nil)
		if err := geno.ColBlock(indices, d); err != nil {
			return err
		}
		if err := est.AddChunk(d, geno.CumulativePos(start)); err != nil {
			return err
		}
	}
	return est.Finalize()
}
