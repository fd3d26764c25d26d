// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/collective"
	lemmaconfig "github.com/lfelipe-ferrao/LEMMA/internal/lemma/config"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/output"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/tracker"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/vbengine"
	"github.com/sirupsen/logrus"
)

// resumeCommand continues a vb run from a checkpoint dump (§9): it
// re-derives P, N, L and K of the current run's Header from the supplied
// inputs (the grid row is taken from the dump itself), refuses to proceed
// on any mismatch against the dump's Header/Digest, and otherwise restores
// VariationalState/Hyps/iteration counter and keeps iterating until
// convergence or the iteration cap. The ELBO history is not part of the
// dump, so the convergence gate starts from an empty history, and the
// gamma chunk width is taken from -main-chunk-size.
type resumeCommand struct{}

func (resumeCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(prog, flag.ContinueOnError)
	fs.SetOutput(stderr)
	dumpPath := fs.String("dump", "", "checkpoint dump to resume from (required)")
	genoPath := fs.String("geno", "", "genotype dosage file (required)")
	phenoPath := fs.String("pheno", "", "phenotype file (required)")
	covarPath := fs.String("covar", "", "covariate file (optional)")
	envPath := fs.String("env", "", "environment file (optional)")
	outPrefix := fs.String("out-prefix", "lemma-resume", "output file prefix")
	mogBeta := fs.Bool("mog-beta", false, "mixture-of-Gaussians prior on beta")
	mogGam := fs.Bool("mog-gam", false, "mixture-of-Gaussians prior on gamma")
	empiricalBayes := fs.Bool("empirical-bayes", false, "maximize hyperparameters by empirical Bayes")
	useVBCovars := fs.Bool("vb-covars", false, "run VB updates on covariate weights")
	vbIterMax := fs.Int("vb-iter-max", 1000, "hard iteration cap")
	alphaTol := fs.Float64("alpha-tol", 1e-4, "alpha convergence tolerance")
	elboTol := fs.Float64("elbo-tol", 1e-2, "ELBO convergence tolerance")
	chunkSize := fs.Int("main-chunk-size", 128, "beta/gamma update chunk width")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dumpPath == "" || *genoPath == "" || *phenoPath == "" {
		fmt.Fprintln(stderr, "resume: -dump, -geno, and -pheno are required")
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
	covar, err := loadOptionalMatrix(*covarPath)
	if err != nil {
		return fail(stderr, err)
	}
	env, err := loadOptionalMatrix(*envPath)
	if err != nil {
		return fail(stderr, err)
	}
	proj, err := buildProjector(covar, geno.NSamples())
	if err != nil {
		return fail(stderr, err)
	}

	header := tracker.Header{P: geno.NVariants(), N: geno.NSamples(), L: envColumns(env), K: proj.K(), Grid: dump.Header.Grid}
	if err := tracker.VerifyResume(dump, header); err != nil {
		return fail(stderr, err)
	}

	cfg := lemmaconfig.Default()
	cfg.ModeMogPriorBeta = *mogBeta
	cfg.ModeMogPriorGam = *mogGam
	cfg.ModeEmpiricalBayes = *empiricalBayes
	cfg.UseVBOnCovars = *useVBCovars
	cfg.VBIterMax = *vbIterMax
	cfg.AlphaTol = *alphaTol
	cfg.ElboTol = *elboTol
	cfg.MainChunkSize = *chunkSize
	cfg.GxEChunkSize = *chunkSize
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "alpha-tol":
			cfg.AlphaTolSet = true
		case "elbo-tol":
			cfg.ElboTolSet = true
		}
	})
	if err := cfg.Validate(); err != nil {
		return fail(stderr, err)
	}
	opts := cfg.EngineOptions()

	log := logrus.NewEntry(logrus.StandardLogger())
	engine, err := vbengine.New(opts, geno, env, proj, y, collective.Local{}, dump.State, dump.Hyps, log)
	if err != nil {
		return fail(stderr, err)
	}
	engine.SetIteration(dump.Iteration)

	start := time.Now()
	for engine.Phase() != vbengine.Converged && engine.Phase() != vbengine.Stalled {
		if err := engine.RunIteration(); err != nil {
			return fail(stderr, err)
		}
	}
	log.WithFields(logrus.Fields{"phase": engine.Phase().String(), "iters": engine.Iteration(), "elapsed": time.Since(start).String()}).Info("resume finished")

	if err := writeDump(*outPrefix+".dump.gz", header, dump.State, dump.Hyps, engine.Iteration()); err != nil {
		return fail(stderr, err)
	}
	if err := writeVariantTable(*outPrefix, 0, geno, dump.State, opts.MogBeta, opts.MogGamma); err != nil {
		return fail(stderr, err)
	}
	if err := writeVectorOutputs(*outPrefix, 0, dump.State); err != nil {
		return fail(stderr, err)
	}

	hw, err := output.Create(*outPrefix + ".hyps.txt")
	if err != nil {
		return fail(stderr, err)
	}
	row := output.HypsRow{Sigma: dump.Hyps.Sigma, LambdaB: dump.Hyps.Lambda[0], LambdaG: dump.Hyps.Lambda[1],
		SigmaB: dump.Hyps.SlabRelVar[0], SigmaG: dump.Hyps.SlabRelVar[1], Pve: append([]float64(nil), dump.Hyps.Pve[:]...)}
	if err := output.WriteHypsTable(hw, []output.HypsRow{row}); err != nil {
		hw.Close()
		return fail(stderr, err)
	}
	return closeOr(hw, stderr)
}

func closeOr(w *output.Writer, stderr io.Writer) int {
	if err := w.Close(); err != nil {
		return fail(stderr, err)
	}
	return 0
}
