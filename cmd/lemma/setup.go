// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"bufio"
	"io"
	"os"

	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/covariate"
	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/genotype"
	"github.com/klauspost/pgzip"
	"gonum.org/v1/gonum/mat"
)

// loadGenotype opens path and builds a standardized genotype.View over
// it, per component C1.
func loadGenotype(path string, chunkSize int) (*genotype.View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "opening genotype file %s", path)
	}
	defer f.Close()
	src, err := readTextDosageSource(f)
	if err != nil {
		return nil, err
	}
	return genotype.New(src, chunkSize)
}

// loadPhenotype opens path and reads the single-column phenotype vector.
func loadPhenotype(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "opening phenotype file %s", path)
	}
	defer f.Close()
	return readPhenotype(f)
}

// loadOptionalMatrix returns nil (not an error) when path is empty,
// letting covariate/environment inputs remain optional per §6.
func loadOptionalMatrix(path string) (*mat.Dense, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "opening %s", path)
	}
	defer f.Close()
	return readNumericColumns(f)
}

// buildProjector wraps covariate.New, treating a nil covariate matrix as
// "intercept only" per §3.
func buildProjector(covar *mat.Dense, n int) (*covariate.Projector, error) {
	if covar == nil {
		covar = mat.NewDense(n, 0, nil)
	}
	return covariate.New(covar)
}

// dumpFile wraps a gob-encoded checkpoint dump's binary stream, gzip
// compressed when the path ends in ".gz" (tracker's Dump is arbitrary
// binary, so it can't reuse output.Writer's line-oriented WriteRow).
type dumpFile struct {
	f    *os.File
	bufw *bufio.Writer
	gzw  *pgzip.Writer
	w    interface {
		Write([]byte) (int, error)
	}
}

func createDumpFile(path string) (*dumpFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "creating dump file %s", path)
	}
	d := &dumpFile{f: f}
	d.bufw = bufio.NewWriterSize(f, 1<<20)
	d.w = d.bufw
	if len(path) > 3 && path[len(path)-3:] == ".gz" {
		d.gzw = pgzip.NewWriter(d.bufw)
		d.w = d.gzw
	}
	return d, nil
}

func (d *dumpFile) Write(p []byte) (int, error) { return d.w.Write(p) }

func (d *dumpFile) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.gzw != nil {
		note(d.gzw.Close())
	}
	note(d.bufw.Flush())
	note(d.f.Close())
	return firstErr
}

func openDumpFile(path string) (*os.File, io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "opening dump file %s", path)
	}
	if len(path) > 3 && path[len(path)-3:] == ".gz" {
		gzr, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "opening gzipped dump file %s", path)
		}
		return f, gzr, nil
	}
	return f, f, nil
}

// colNormSquares computes each kept variant column's squared norm
// (N-1 for an exactly standardized column, but computed directly so it
// tracks the column's actual norm).
func colNormSquares(g *genotype.View) ([]float64, error) {
	p := g.NVariants()
	out := make([]float64, p)
	col := make([]float64, g.NSamples())
	for j := 0; j < p; j++ {
		if err := g.Col(j, col); err != nil {
			return nil, err
		}
		var s float64
		for _, v := range col {
			s += v * v
		}
		out[j] = s
	}
	return out, nil
}
