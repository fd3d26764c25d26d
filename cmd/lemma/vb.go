// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/collective"
	lemmaconfig "github.com/lfelipe-ferrao/LEMMA/internal/lemma/config"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/output"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/randdraws"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/tracker"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/vbengine"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/vbstate"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// vbCommand runs VBEngine over a hyperparameter grid (§4.7), one Engine
// per grid point, writing the converged-hyps table, per-variant MAP
// statistics, predicted vectors, and a resumable checkpoint dump per
// grid point.
type vbCommand struct{}

func (vbCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(prog, flag.ContinueOnError)
	fs.SetOutput(stderr)
	genoPath := fs.String("geno", "", "genotype dosage file (required)")
	phenoPath := fs.String("pheno", "", "phenotype file (required)")
	covarPath := fs.String("covar", "", "covariate file (optional)")
	envPath := fs.String("env", "", "environment file (optional, enables GxE)")
	gridPath := fs.String("grid", "", "hyperparameter grid file (required)")
	outPrefix := fs.String("out-prefix", "lemma-vb", "output file prefix")
	mogBeta := fs.Bool("mog-beta", false, "mixture-of-Gaussians prior on beta")
	mogGam := fs.Bool("mog-gam", false, "mixture-of-Gaussians prior on gamma")
	empiricalBayes := fs.Bool("empirical-bayes", false, "maximize hyperparameters by empirical Bayes")
	useVBCovars := fs.Bool("vb-covars", false, "run VB updates on covariate weights")
	vbIterMax := fs.Int("vb-iter-max", 1000, "hard iteration cap per grid point")
	vbIterStart := fs.Int("vb-iter-start", 0, "initial iteration counter, for staged/warm-started runs")
	alphaTol := fs.Float64("alpha-tol", 1e-4, "alpha convergence tolerance")
	elboTol := fs.Float64("elbo-tol", 1e-2, "ELBO convergence tolerance")
	spikeDiffFactor := fs.Float64("spike-diff-factor", 100, "slab/spike relative variance ratio")
	mainChunk := fs.Int("main-chunk-size", 128, "beta update chunk width")
	gxeChunk := fs.Int("gxe-chunk-size", 128, "gamma update chunk width")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *genoPath == "" || *phenoPath == "" || *gridPath == "" {
		fmt.Fprintln(stderr, "vb: -geno, -pheno, and -grid are required")
		fs.Usage()
		return 2
	}

	geno, err := loadGenotype(*genoPath, *mainChunk)
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

	gridFile, err := os.Open(*gridPath)
	if err != nil {
		return fail(stderr, err)
	}
	grid, err := lemmaconfig.ParseGrid(gridFile, geno.NVariants())
	gridFile.Close()
	if err != nil {
		return fail(stderr, err)
	}

	cfg := lemmaconfig.Default()
	cfg.ModeMogPriorBeta = *mogBeta
	cfg.ModeMogPriorGam = *mogGam
	cfg.ModeEmpiricalBayes = *empiricalBayes
	cfg.UseVBOnCovars = *useVBCovars
	cfg.VBIterMax = *vbIterMax
	cfg.VBIterStart = *vbIterStart
	cfg.AlphaTol = *alphaTol
	cfg.ElboTol = *elboTol
	cfg.SpikeDiffFactor = *spikeDiffFactor
	cfg.MainChunkSize = *mainChunk
	cfg.GxEChunkSize = *gxeChunk
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

	l := envColumns(env)
	log := logrus.NewEntry(logrus.StandardLogger())

	var hypsRows []output.HypsRow
	for gi, row := range grid {
		state := vbstate.New(geno.NVariants(), proj.K(), l, geno.NSamples(), opts.MogBeta, opts.MogGamma)
		hyps := &vbstate.Hyps{}
		hyps.InitFromGrid(row, opts.SpikeDiffFactor)

		engine, err := vbengine.New(opts, geno, env, proj, y, collective.Local{}, state, hyps, log.WithField("grid", gi))
		if err != nil {
			return fail(stderr, err)
		}
		engine.SetIteration(cfg.VBIterStart)

		trk := tracker.New(gi)
		start := time.Now()
		for engine.Phase() != vbengine.Converged && engine.Phase() != vbengine.Stalled {
			if err := engine.RunIteration(); err != nil {
				return fail(stderr, err)
			}
			n := len(engine.ElboHistory)
			trk.Append(tracker.Iteration{
				Count:          engine.Iteration(),
				Elbo:           engine.ElboHistory[n-1],
				AlphaDiff:      engine.AlphaDiffHistory[n-1],
				ElapsedSeconds: time.Since(start).Seconds(),
				Sigma:          hyps.Sigma,
				Lambda:         hyps.Lambda,
			})
		}
		log.WithFields(logrus.Fields{"grid": gi, "phase": engine.Phase().String(), "iters": engine.Iteration()}).Info("grid point finished")

		if err := writeTrajectory(*outPrefix, gi, trk); err != nil {
			return fail(stderr, err)
		}

		header := tracker.Header{P: geno.NVariants(), N: geno.NSamples(), L: l, K: proj.K(), Grid: row}
		dumpPath := fmt.Sprintf("%s.grid%d.dump.gz", *outPrefix, gi)
		if err := writeDump(dumpPath, header, state, hyps, engine.Iteration()); err != nil {
			return fail(stderr, err)
		}

		hypsRows = append(hypsRows, output.HypsRow{
			Grid: gi, Sigma: hyps.Sigma, LambdaB: hyps.Lambda[vbstate.EffectMain], LambdaG: hyps.Lambda[vbstate.EffectGxE],
			SigmaB: hyps.SlabRelVar[vbstate.EffectMain], SigmaG: hyps.SlabRelVar[vbstate.EffectGxE],
			Pve: append([]float64(nil), hyps.Pve[:]...),
		})

		if err := writeVariantTable(*outPrefix, gi, geno, state, opts.MogBeta, opts.MogGamma); err != nil {
			return fail(stderr, err)
		}
		if err := writeVectorOutputs(*outPrefix, gi, state); err != nil {
			return fail(stderr, err)
		}
	}

	hw, err := output.Create(*outPrefix + ".hyps.txt")
	if err != nil {
		return fail(stderr, err)
	}
	if err := output.WriteHypsTable(hw, hypsRows); err != nil {
		hw.Close()
		return fail(stderr, err)
	}
	if err := hw.Close(); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func envColumns(env *mat.Dense) int {
	if env == nil {
		return 0
	}
	_, l := env.Dims()
	return l
}

func writeDump(path string, header tracker.Header, state *vbstate.State, hyps *vbstate.Hyps, iter int) error {
	w, err := createDumpFile(path)
	if err != nil {
		return err
	}
	if err := tracker.WriteDump(w, header, state, hyps, iter, randdraws.State{}); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

// writeVariantTable writes the per-variant MAP statistics table for one
// grid point. genotype.View doesn't carry allele/MAF/info metadata (the
// core models only standardized dosage columns), so those columns are
// written as placeholders.
func writeVariantTable(outPrefix string, gi int, geno interface {
	NVariants() int
	Chromosome(int) string
	CumulativePos(int) int64
}, state *vbstate.State, mogBeta, mogGam bool) error {
	var rows []output.VariantRow
	for j := 0; j < geno.NVariants(); j++ {
		row := output.VariantRow{
			Chr: geno.Chromosome(j), Rsid: fmt.Sprintf("variant_%d", j), Pos: geno.CumulativePos(j),
			A0: ".", A1: ".",
			AlphaBeta: state.Beta.Alpha[j], Mu1Beta: state.Beta.Mu1[j],
			AlphaGam: state.Gamma.Alpha[j], Mu1Gam: state.Gamma.Mu1[j],
		}
		if mogBeta {
			v := state.Beta.Mu2[j]
			row.Mu2Beta = &v
		}
		if mogGam {
			v := state.Gamma.Mu2[j]
			row.Mu2Gam = &v
		}
		rows = append(rows, row)
	}
	w, err := output.Create(fmt.Sprintf("%s.grid%d.variants.txt.gz", outPrefix, gi))
	if err != nil {
		return err
	}
	if err := output.WriteVariantTable(w, rows); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func writeTrajectory(outPrefix string, gi int, trk *tracker.Tracker) error {
	rows := make([]output.TrajectoryRow, len(trk.History))
	for i, it := range trk.History {
		rows[i] = output.TrajectoryRow{Iteration: it.Count, Elbo: it.Elbo, AlphaDiff: it.AlphaDiff}
	}
	w, err := output.Create(fmt.Sprintf("%s.grid%d.trajectory.txt", outPrefix, gi))
	if err != nil {
		return err
	}
	if err := output.WriteTrajectory(w, rows); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func writeVectorOutputs(outPrefix string, gi int, state *vbstate.State) error {
	w, err := output.Create(fmt.Sprintf("%s.grid%d.predicted.txt", outPrefix, gi))
	if err != nil {
		return err
	}
	if err := output.WritePredictedVector(w, "ym", state.Ym); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if len(state.MuW) > 0 {
		ew, err := output.Create(fmt.Sprintf("%s.grid%d.envweights.txt", outPrefix, gi))
		if err != nil {
			return err
		}
		if err := output.WriteEnvWeights(ew, state.MuW); err != nil {
			ew.Close()
			return err
		}
		if err := ew.Close(); err != nil {
			return err
		}
	}
	return nil
}
