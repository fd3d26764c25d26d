// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package tracker implements the per-grid-point iteration history and
// checkpoint/resume path (component C8): append-only iteration snapshots,
// gob-encoded full-state dumps with a BLAKE2b-256 header digest
// for cheap ResumeMismatch detection, and the reverse restore path.
package tracker

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	lemmaerrors "github.com/lfelipe-ferrao/LEMMA/internal/lemma/errors"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/randdraws"
	"github.com/lfelipe-ferrao/LEMMA/internal/lemma/vbstate"
	"golang.org/x/crypto/blake2b"
)

// dumpVersion is bumped whenever the on-disk Dump layout changes; a
// mismatched version is refused rather than silently migrated (§9).
const dumpVersion = 1

// Iteration is one append-only history entry (§4.8): count, hyps
// snapshot, ELBO, alpha-max-change, and elapsed wall time.
type Iteration struct {
	Count          int
	Elbo           float64
	AlphaDiff      float64
	ElapsedSeconds float64
	Sigma          float64
	Lambda         [2]float64
}

// Tracker accumulates an append-only history for one grid point and can
// produce/restore full-state dumps for resume.
type Tracker struct {
	GridIndex int
	History   []Iteration
}

// New returns a Tracker for the given grid point index.
func New(gridIndex int) *Tracker {
	return &Tracker{GridIndex: gridIndex}
}

// Append records one iteration's summary. It never overwrites or removes
// earlier entries.
func (t *Tracker) Append(it Iteration) {
	t.History = append(t.History, it)
}

// Header identifies the run inputs a dump was produced under (P, N, L, K,
// and the grid row), used to detect a resume against mismatched inputs.
type Header struct {
	P, N, L, K int
	Grid       vbstate.GridRow
}

func (h Header) digest() [blake2b.Size256]byte {
	buf := fmt.Sprintf("%d:%d:%d:%d:%+v", h.P, h.N, h.L, h.K, h.Grid)
	return blake2b.Sum256([]byte(buf))
}

// Dump is the full serializable state needed for a deterministic resume
// (§9): VariationalState, Hyps, iteration counter, RNG state.
type Dump struct {
	Version   int
	Header    Header
	Digest    [blake2b.Size256]byte
	Iteration int
	State     *vbstate.State
	Hyps      *vbstate.Hyps
	RNG       randdraws.State
}

// WriteDump gob-encodes a Dump of the given header/state/hyps/iteration/rng
// to w.
func WriteDump(w io.Writer, header Header, state *vbstate.State, hyps *vbstate.Hyps, iteration int, rng randdraws.State) error {
	d := Dump{
		Version:   dumpVersion,
		Header:    header,
		Digest:    header.digest(),
		Iteration: iteration,
		State:     state,
		Hyps:      hyps,
		RNG:       rng,
	}
	if err := gob.NewEncoder(w).Encode(&d); err != nil {
		return lemmaerrors.Wrap(lemmaerrors.IO, err, "encoding checkpoint dump")
	}
	return nil
}

// ReadDump decodes a Dump from r, refusing a mismatched Version outright
// (§9: "refusing a mismatched version with a clear diagnostic is preferred
// to silent migration").
func ReadDump(r io.Reader) (*Dump, error) {
	var d Dump
	if err := gob.NewDecoder(r).Decode(&d); err != nil {
		return nil, lemmaerrors.Wrap(lemmaerrors.IO, err, "decoding checkpoint dump")
	}
	if d.Version != dumpVersion {
		return nil, lemmaerrors.Newf(lemmaerrors.ResumeMismatch, "dump version %d, want %d", d.Version, dumpVersion)
	}
	return &d, nil
}

// VerifyResume checks a decoded Dump against the current run's expected
// header, returning *ResumeMismatch on any disagreement (§7).
func VerifyResume(d *Dump, want Header) error {
	if d.Header != want {
		return lemmaerrors.Newf(lemmaerrors.ResumeMismatch, "dump header %+v does not match current run %+v", d.Header, want)
	}
	if d.Digest != want.digest() {
		return lemmaerrors.Newf(lemmaerrors.ResumeMismatch, "dump digest does not match current run inputs")
	}
	return nil
}

// EncodeToBytes is a convenience wrapper over WriteDump for callers that
// need an in-memory buffer before choosing a destination file.
func EncodeToBytes(header Header, state *vbstate.State, hyps *vbstate.Hyps, iteration int, rng randdraws.State) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteDump(&buf, header, state, hyps, iteration, rng); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
