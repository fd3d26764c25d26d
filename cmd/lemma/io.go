// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"gonum.org/v1/gonum/mat"
)

// textDosageSource is a minimal genotype.DosageSource reading a plain
// whitespace-delimited text matrix: one line per variant,
// "chr rsid pos a0 a1 maf info dosage_1 ... dosage_N". Production
// deployments plug in an actual BGEN reader here; parsing that format is
// an external collaborator's job per the core's own scope (§1).
type textDosageSource struct {
	chr    []string
	rsid   []string
	pos    []int64
	a0, a1 []string
	maf    []float64
	info   []float64
	dosage [][]float64 // per variant, length N
	n      int
}

func readTextDosageSource(r io.Reader) (*textDosageSource, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<24)
	src := &textDosageSource{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return nil, lemmaerrors.Newf(lemmaerrors.Config, "genotype line has %d fields, want >= 8", len(fields))
		}
		pos, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, lemmaerrors.Wrap(lemmaerrors.Config, err, "parsing position")
		}
		maf, err := strconv.ParseFloat(fields[5], 64)
		if err != nil {
			return nil, lemmaerrors.Wrap(lemmaerrors.Config, err, "parsing maf")
		}
		info, err := strconv.ParseFloat(fields[6], 64)
		if err != nil {
			return nil, lemmaerrors.Wrap(lemmaerrors.Config, err, "parsing info")
		}
		dosage := make([]float64, len(fields)-7)
		for i, f := range fields[7:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, lemmaerrors.Wrap(lemmaerrors.Config, err, "parsing dosage")
			}
			dosage[i] = v
		}
		if src.n == 0 {
			src.n = len(dosage)
		} else if len(dosage) != src.n {
			return nil, lemmaerrors.Newf(lemmaerrors.Config, "inconsistent sample count: %d vs %d", len(dosage), src.n)
		}
		src.chr = append(src.chr, fields[0])
		src.rsid = append(src.rsid, fields[1])
		src.pos = append(src.pos, pos)
		src.a0 = append(src.a0, fields[3])
		src.a1 = append(src.a1, fields[4])
		src.maf = append(src.maf, maf)
		src.info = append(src.info, info)
		src.dosage = append(src.dosage, dosage)
	}
	if err := scanner.Err(); err != nil {
		return nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "reading genotype file")
	}
	return src, nil
}

func (s *textDosageSource) NumSamples() int  { return s.n }
func (s *textDosageSource) NumVariants() int { return len(s.dosage) }
func (s *textDosageSource) VariantChromosome(j int) string { return s.chr[j] }
func (s *textDosageSource) VariantPosition(j int) int64    { return s.pos[j] }
func (s *textDosageSource) ReadDosages(j int, out []float64) error {
	copy(out, s.dosage[j])
	return nil
}

// readNumericColumns reads whitespace-delimited numeric rows into a dense
// N x K matrix (phenotype/covariate/environment files, §6).
func readNumericColumns(r io.Reader) (*mat.Dense, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<24)
	var rows [][]float64
	k := -1
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if k == -1 {
			k = len(fields)
		} else if len(fields) != k {
			return nil, lemmaerrors.Newf(lemmaerrors.Config, "inconsistent column count: %d vs %d", len(fields), k)
		}
		row := make([]float64, k)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, lemmaerrors.Wrap(lemmaerrors.Config, err, "parsing numeric column")
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "reading numeric file")
	}
	out := mat.NewDense(len(rows), k, nil)
	for i, row := range rows {
		out.SetRow(i, row)
	}
	return out, nil
}

func readPhenotype(r io.Reader) ([]float64, error) {
	m, err := readNumericColumns(r)
	if err != nil {
		return nil, err
	}
	n, k := m.Dims()
	if k != 1 {
		return nil, lemmaerrors.Newf(lemmaerrors.Config, "phenotype file must have exactly one column, got %d", k)
	}
	out := make([]float64, n)
	mat.Col(out, 0, m)
	return out, nil
}
