// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package output implements the §6 "Outputs" writers: whitespace-delimited
// text, transparently pgzip-wrapped when the destination filename ends in
// ".gz", written only by rank 0 (§5 "Shared-resource policy"), in the
// teacher's own bufio+pgzip layering (slice.go's openOutFiles/closeOutFiles).
package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"github.com/klauspost/pgzip"
)

// Writer wraps a single output file, buffering writes and transparently
// gzip-compressing them when the path ends in ".gz".
type Writer struct {
	f    *os.File
	bufw *bufio.Writer
	gzw  *pgzip.Writer
	w    io.Writer
}

// Create opens path for writing, wrapping it in a pgzip.Writer when path
// ends in ".gz". Only rank 0 should call Create (§5).
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "creating output file %s", path)
	}
	out := &Writer{f: f}
	out.bufw = bufio.NewWriterSize(f, 1<<20)
	out.w = out.bufw
	if strings.HasSuffix(path, ".gz") {
		out.gzw = pgzip.NewWriter(out.bufw)
		out.w = out.gzw
	}
	return out, nil
}

// WriteRow writes one whitespace-delimited row terminated by a newline.
func (w *Writer) WriteRow(fields ...string) error {
	if _, err := io.WriteString(w.w, strings.Join(fields, "\t")); err != nil {
		return lemmaerrors.Wrap(lemmaerrors.IO, err, "writing output row")
	}
	if _, err := io.WriteString(w.w, "\n"); err != nil {
		return lemmaerrors.Wrap(lemmaerrors.IO, err, "writing output row")
	}
	return nil
}

// Close flushes and closes the underlying gzip/buffer/file layers in
// order, collecting the first error encountered (closeOutFiles's pattern).
func (w *Writer) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.gzw != nil {
		note(w.gzw.Close())
	}
	note(w.bufw.Flush())
	note(w.f.Close())
	if firstErr != nil {
		return lemmaerrors.Wrap(lemmaerrors.IO, firstErr, "closing output file")
	}
	return nil
}

// FormatFloat renders a float64 the way every §6 output column does:
// shortest round-trippable decimal representation.
func FormatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// FormatInt renders an int column.
func FormatInt(v int) string { return strconv.Itoa(v) }

// HypsRow is one row of the converged-hyps output table (§6).
type HypsRow struct {
	Grid    int
	Sigma   float64
	LambdaB float64
	LambdaG float64
	SigmaB  float64
	SigmaG  float64
	Pve     []float64
}

// WriteHypsTable writes the converged-hyps table, one row per grid point.
func WriteHypsTable(w *Writer, rows []HypsRow) error {
	header := []string{"grid", "sigma", "lambda_b", "lambda_g", "sigma_b", "sigma_g"}
	if len(rows) > 0 {
		for i := range rows[0].Pve {
			header = append(header, fmt.Sprintf("pve_%d", i))
		}
	}
	if err := w.WriteRow(header...); err != nil {
		return err
	}
	for _, r := range rows {
		row := []string{
			FormatInt(r.Grid), FormatFloat(r.Sigma), FormatFloat(r.LambdaB), FormatFloat(r.LambdaG),
			FormatFloat(r.SigmaB), FormatFloat(r.SigmaG),
		}
		for _, p := range r.Pve {
			row = append(row, FormatFloat(p))
		}
		if err := w.WriteRow(row...); err != nil {
			return err
		}
	}
	return nil
}

// VariantRow is one row of the MAP per-SNP statistics table (§6).
type VariantRow struct {
	Chr, Rsid      string
	Pos            int64
	A0, A1         string
	Maf, Info      float64
	AlphaBeta      float64
	Mu1Beta        float64
	Mu2Beta        *float64 // nil unless mog
	AlphaGam       float64
	Mu1Gam         float64
	Mu2Gam         *float64 // nil unless mog
}

// WriteVariantTable writes the MAP per-SNP statistics table in the fixed
// column order of §6.
func WriteVariantTable(w *Writer, rows []VariantRow) error {
	mog := false
	for _, r := range rows {
		if r.Mu2Beta != nil || r.Mu2Gam != nil {
			mog = true
			break
		}
	}
	header := []string{"chr", "rsid", "pos", "a0", "a1", "maf", "info", "alpha_beta", "mu1_beta"}
	if mog {
		header = append(header, "mu2_beta")
	}
	header = append(header, "alpha_gam", "mu1_gam")
	if mog {
		header = append(header, "mu2_gam")
	}
	if err := w.WriteRow(header...); err != nil {
		return err
	}
	for _, r := range rows {
		row := []string{
			r.Chr, r.Rsid, strconv.FormatInt(r.Pos, 10), r.A0, r.A1,
			FormatFloat(r.Maf), FormatFloat(r.Info),
			FormatFloat(r.AlphaBeta), FormatFloat(r.Mu1Beta),
		}
		if mog {
			row = append(row, optFloat(r.Mu2Beta))
		}
		row = append(row, FormatFloat(r.AlphaGam), FormatFloat(r.Mu1Gam))
		if mog {
			row = append(row, optFloat(r.Mu2Gam))
		}
		if err := w.WriteRow(row...); err != nil {
			return err
		}
	}
	return nil
}

func optFloat(v *float64) string {
	if v == nil {
		return "NA"
	}
	return FormatFloat(*v)
}

// WritePredictedVector writes the MAP predicted ym/eta/yx vector (§6), one
// value per sample per row.
func WritePredictedVector(w *Writer, name string, values []float64) error {
	if err := w.WriteRow("sample_index", name); err != nil {
		return err
	}
	for i, v := range values {
		if err := w.WriteRow(FormatInt(i), FormatFloat(v)); err != nil {
			return err
		}
	}
	return nil
}

// WriteEnvWeights writes the env-weights row (§6).
func WriteEnvWeights(w *Writer, muW []float64) error {
	header := make([]string, len(muW))
	row := make([]string, len(muW))
	for i, v := range muW {
		header[i] = fmt.Sprintf("env_%d", i)
		row[i] = FormatFloat(v)
	}
	if err := w.WriteRow(header...); err != nil {
		return err
	}
	return w.WriteRow(row...)
}

// RescanRow is one row of the per-variant rescan / LOCO output.
type RescanRow struct {
	Variant int
	NegLogP float64
}

// WriteRescanTable writes the per-variant rescan or LOCO neglog-p table.
func WriteRescanTable(w *Writer, column string, rows []RescanRow) error {
	if err := w.WriteRow("variant", column); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.WriteRow(FormatInt(r.Variant), FormatFloat(r.NegLogP)); err != nil {
			return err
		}
	}
	return nil
}

// TrajectoryRow is one row of the optional ELBO/alpha-diff trajectory
// output.
type TrajectoryRow struct {
	Iteration int
	Elbo      float64
	AlphaDiff float64
}

// WriteTrajectory writes the optional per-iteration ELBO/alpha-diff
// trajectory table.
func WriteTrajectory(w *Writer, rows []TrajectoryRow) error {
	if err := w.WriteRow("iteration", "elbo", "alpha_diff"); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.WriteRow(FormatInt(r.Iteration), FormatFloat(r.Elbo), FormatFloat(r.AlphaDiff)); err != nil {
			return err
		}
	}
	return nil
}
