// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package genotype implements the chunked, column-standardized view over
// an N×P dosage matrix (component C1 of the LEMMA/RHE core). Parsing the
// underlying genotype file format (BGEN or otherwise) is an external
// collaborator's job: this package only consumes a DosageSource.
package genotype

import (
	"math"

	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DosageSource is the external collaborator's iterator over raw,
// unstandardized per-variant dosage columns. New reads every variant once,
// in order; afterwards View reads columns from it again on demand (Col,
// ColBlock, MultByChr), so concurrent use of a View is safe only when
// ReadDosages is.
type DosageSource interface {
	NumSamples() int
	NumVariants() int
	VariantChromosome(j int) string
	VariantPosition(j int) int64
	// ReadDosages fills out (length NumSamples()) with the raw dosage
	// values for variant j. Missing entries must already have been
	// imputed/resolved by the collaborator.
	ReadDosages(j int, out []float64) error
}

// View is a read-shared, chunked, column-standardized view over a
// DosageSource. Constant columns (zero variance) are dropped at
// construction time; the mapping from original to kept column index is
// retained so callers can translate back when writing per-variant output.
type View struct {
	src DosageSource

	nSamples int
	// keptToOriginal[k] is the DosageSource column index of kept column k.
	keptToOriginal []int
	originalToKept []int // -1 if dropped

	mean []float64 // per kept column
	std  []float64 // per kept column

	chrOf  []string
	cumPos []int64

	chunkSize int
}

// New scans src once, computes per-column mean/variance, drops constant
// columns, and returns a read-only View. chunkSize bounds the width of
// ColBlock allocations a caller is expected to request; it has no effect
// on New itself.
func New(src DosageSource, chunkSize int) (*View, error) {
	n := src.NumSamples()
	p := src.NumVariants()
	v := &View{src: src, nSamples: n, chunkSize: chunkSize}
	if chunkSize <= 0 {
		v.chunkSize = 128
	}

	raw := make([]float64, n)
	v.originalToKept = make([]int, p)
	for j := 0; j < p; j++ {
		if err := src.ReadDosages(j, raw); err != nil {
			return nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "reading variant %d", j)
		}
		mean, std := stat.MeanStdDev(raw, nil)
		if std <= 1e-12 || math.IsNaN(std) {
			v.originalToKept[j] = -1
			continue
		}
		kept := len(v.keptToOriginal)
		v.originalToKept[j] = kept
		v.keptToOriginal = append(v.keptToOriginal, j)
		v.mean = append(v.mean, mean)
		v.std = append(v.std, std)
		v.chrOf = append(v.chrOf, src.VariantChromosome(j))
		v.cumPos = append(v.cumPos, src.VariantPosition(j))
	}
	return v, nil
}

// NSamples returns N.
func (v *View) NSamples() int { return v.nSamples }

// NVariants returns the number of kept (non-constant) columns.
func (v *View) NVariants() int { return len(v.keptToOriginal) }

// OriginalIndex maps a kept column index back to the DosageSource's
// original variant index, for writing per-variant output in input order.
func (v *View) OriginalIndex(kept int) int { return v.keptToOriginal[kept] }

// KeptIndex maps an original variant index to its kept column index, or
// -1 if the variant was dropped as constant.
func (v *View) KeptIndex(original int) int { return v.originalToKept[original] }

// Chromosome returns the chromosome label of kept column j.
func (v *View) Chromosome(j int) string { return v.chrOf[j] }

// CumulativePos returns the cumulative genome position of kept column j,
// used by TraceEstimator to assign jackknife blocks.
func (v *View) CumulativePos(j int) int64 { return v.cumPos[j] }

// Col fills out (length NSamples()) with the centered, unit-variance
// values of kept column j, reading it from the DosageSource on each call.
// Concurrent calls are safe when the source's ReadDosages is.
func (v *View) Col(j int, out []float64) error {
	if err := v.src.ReadDosages(v.keptToOriginal[j], out); err != nil {
		return lemmaerrors.Wrap(lemmaerrors.IO, err, "reading variant %d", v.keptToOriginal[j])
	}
	mean, std := v.mean[j], v.std[j]
	for i, x := range out {
		out[i] = (x - mean) / std
	}
	return nil
}

// ColBlock fills out (N×len(indices)) with the standardized columns named
// by indices, one DosageSource read per column.
func (v *View) ColBlock(indices []int, out *mat.Dense) error {
	rows, cols := out.Dims()
	if rows != v.nSamples || cols != len(indices) {
		out.Reset()
		*out = *mat.NewDense(v.nSamples, len(indices), nil)
	}
	col := make([]float64, v.nSamples)
	for c, j := range indices {
		if err := v.Col(j, col); err != nil {
			return err
		}
		out.SetCol(c, col)
	}
	return nil
}

// MultByChr computes X_chr·vec, i.e. the N-vector product of the
// standardized columns restricted to chromosome chr against vec (which
// must have one entry per kept column on that chromosome, in kept-index
// order restricted to chr).
func (v *View) MultByChr(chr string, vec []float64) ([]float64, error) {
	out := make([]float64, v.nSamples)
	col := make([]float64, v.nSamples)
	vi := 0
	for j := 0; j < len(v.keptToOriginal); j++ {
		if v.chrOf[j] != chr {
			continue
		}
		if vi >= len(vec) {
			return nil, lemmaerrors.Newf(lemmaerrors.Config, "MultByChr: vec too short for chromosome %s", chr)
		}
		if vec[vi] != 0 {
			if err := v.Col(j, col); err != nil {
				return nil, err
			}
			for i := range out {
				out[i] += col[i] * vec[vi]
			}
		}
		vi++
	}
	return out, nil
}

// Chromosomes returns the distinct chromosome labels in the order they
// first appear among kept columns (used by Rescan's leave-one-chromosome-out
// pass; IndicesForChromosome gives each label's kept indices).
func (v *View) Chromosomes() []string {
	seen := map[string]bool{}
	var order []string
	for _, c := range v.chrOf {
		if !seen[c] {
			seen[c] = true
			order = append(order, c)
		}
	}
	return order
}

// IndicesForChromosome returns the kept column indices on chromosome chr.
func (v *View) IndicesForChromosome(chr string) []int {
	var out []int
	for j, c := range v.chrOf {
		if c == chr {
			out = append(out, j)
		}
	}
	return out
}

// ChunkSize returns the chunk width this view was constructed with.
func (v *View) ChunkSize() int { return v.chunkSize }
