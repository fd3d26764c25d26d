// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/output"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/rescan"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/tracker"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/vbstate"
)

// rescanCommand runs the post-hoc per-variant rescan (§4.9) from a
// converged checkpoint dump: a per-variant interaction t-test against
// the dump's posterior residual, and a leave-one-chromosome-out
// likelihood-ratio test (chi-squared, 1 df) of main-effect-only against
// main+interaction nested models.
type rescanCommand struct{}

func (rescanCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(prog, flag.ContinueOnError)
	fs.SetOutput(stderr)
	dumpPath := fs.String("dump", "", "converged checkpoint dump (required)")
	genoPath := fs.String("geno", "", "genotype dosage file (required)")
	phenoPath := fs.String("pheno", "", "phenotype file (required)")
	chunkSize := fs.Int("chunk-size", 128, "genotype streaming chunk width")
	outPrefix := fs.String("out-prefix", "lemma-rescan", "output file prefix")
	skipLOCO := fs.Bool("skip-loco", false, "skip the leave-one-chromosome-out likelihood-ratio test")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dumpPath == "" || *genoPath == "" || *phenoPath == "" {
		fmt.Fprintln(stderr, "rescan: -dump, -geno, and -pheno are required")
		fs.Usage()
		return 2
	}

	f, r, err := openDumpFile(*dumpPath)
	if err != nil {
		return fail(stderr, err)
	}
	dump, err := tracker.ReadDump(r)
	f.Close()
	if err != nil {
		return fail(stderr, err)
	}

	geno, err := loadGenotype(*genoPath, *chunkSize)
	if err != nil {
		return fail(stderr, err)
	}
	y, err := loadPhenotype(*phenoPath)
	if err != nil {
		return fail(stderr, err)
	}
	if geno.NVariants() != len(dump.State.Beta.Alpha) {
		return fail(stderr, fmt.Errorf("genotype has %d variants, dump has %d", geno.NVariants(), len(dump.State.Beta.Alpha)))
	}

	ttResults, err := rescan.InteractionTTest(geno, y, dump.State.Ym, dump.State.Eta)
	if err != nil {
		return fail(stderr, err)
	}
	ttRows := make([]output.RescanRow, len(ttResults))
	for i, res := range ttResults {
		ttRows[i] = output.RescanRow{Variant: geno.OriginalIndex(res.Variant), NegLogP: res.NegLogPInt}
	}
	ttw, err := output.Create(*outPrefix + ".interaction.txt")
	if err != nil {
		return fail(stderr, err)
	}
	if err := output.WriteRescanTable(ttw, "neg_log10_p_interaction", ttRows); err != nil {
		ttw.Close()
		return fail(stderr, err)
	}
	if err := ttw.Close(); err != nil {
		return fail(stderr, err)
	}

	if *skipLOCO {
		return 0
	}

	betaMean := effectMean(dump.State.Beta)
	gammaMean := effectMean(dump.State.Gamma)

	locoRows := make([]output.RescanRow, 0, geno.NVariants())
	for _, chr := range geno.Chromosomes() {
		indices := geno.IndicesForChromosome(chr)
		chrBeta := make([]float64, len(indices))
		chrGamma := make([]float64, len(indices))
		for i, j := range indices {
			chrBeta[i] = betaMean[j]
			chrGamma[i] = gammaMean[j]
		}
		resid, err := rescan.LOCOResidual(geno, chr, y, dump.State.Ym, dump.State.Yx, dump.State.Eta, chrBeta, chrGamma)
		if err != nil {
			return fail(stderr, err)
		}
		results, err := rescan.JointFTest(geno, chr, resid, dump.State.Eta)
		if err != nil {
			return fail(stderr, err)
		}
		for _, res := range results {
			locoRows = append(locoRows, output.RescanRow{Variant: geno.OriginalIndex(res.Variant), NegLogP: res.NegLogPLOCO})
		}
	}
	lw, err := output.Create(*outPrefix + ".loco.txt")
	if err != nil {
		return fail(stderr, err)
	}
	if err := output.WriteRescanTable(lw, "neg_log10_p_loco", locoRows); err != nil {
		lw.Close()
		return fail(stderr, err)
	}
	return closeOr(lw, stderr)
}

// effectMean computes each variant's posterior mean effect: alpha*mu1
// under a single-component prior, or the mixture mean under MoG.
func effectMean(eff *vbstate.EffectState) []float64 {
	out := make([]float64, len(eff.Alpha))
	for j, a := range eff.Alpha {
		if !eff.MoG {
			out[j] = a * eff.Mu1[j]
			continue
		}
		out[j] = a*eff.Mu1[j] + (1-a)*eff.Mu2[j]
	}
	return out
}

