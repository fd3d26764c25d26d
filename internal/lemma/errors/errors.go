// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package errors collects the fatal/non-fatal error taxonomy shared by the
// LEMMA-VB and RHE subsystems.
package errors

import "fmt"

// Kind classifies an error for exit-code and recovery purposes.
type Kind int

const (
	// Config covers a bad grid row, a missing required file, or
	// inconsistent dimensions. Fatal at startup.
	Config Kind = iota
	// IO covers a read/write failure. Fatal.
	IO
	// Numerical covers a singular covariate system, a rank-deficient
	// variance-component matrix, or a non-finite ELBO. Singular
	// covariates are fatal; a non-finite ELBO is recoverable for a
	// single grid point (see Recoverable).
	Numerical
	// MemoryBudget covers a rank partitioning that cannot satisfy the
	// configured per-rank byte cap. Fatal.
	MemoryBudget
	// ResumeMismatch covers a checkpoint dump that disagrees with the
	// current run's P, N, L, K, or hyperparameter grid. Fatal.
	ResumeMismatch
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case IO:
		return "IOError"
	case Numerical:
		return "Numerical"
	case MemoryBudget:
		return "MemoryBudget"
	case ResumeMismatch:
		return "ResumeMismatch"
	default:
		return "Unknown"
	}
}

// Error is a typed, wrappable error tagged with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether a single occurrence of this error can be
// handled locally (marking one grid point non-converged) rather than
// aborting the whole run. Only a non-finite ELBO on one grid point
// qualifies; everything else surfaces through the next collective.
func (e *Error) Recoverable() bool {
	return e.Kind == Numerical && e.Msg == "non-finite ELBO"
}

func newf(k Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Newf builds a plain Error of the given kind with no wrapped cause.
func Newf(k Kind, format string, args ...interface{}) *Error {
	return newf(k, nil, format, args...)
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(k Kind, err error, format string, args ...interface{}) *Error {
	return newf(k, err, format, args...)
}

// SingularCovariates is returned by the covariate projector when CᵀC's
// condition number exceeds the configured threshold.
func SingularCovariates(cond, threshold float64) *Error {
	return Newf(Numerical, "singular covariates: condition number %g exceeds threshold %g", cond, threshold)
}

// NonFiniteELBO marks a single grid point as having produced a
// non-finite evidence lower bound.
func NonFiniteELBO(grid int, iter int) *Error {
	return &Error{Kind: Numerical, Msg: "non-finite ELBO", Err: fmt.Errorf("grid point %d at iteration %d", grid, iter)}
}

// RankOverflow is returned by the trace estimator when a rank-local
// buffer would exceed the configured byte cap.
func RankOverflow(component string, bytes, cap int64) *Error {
	return Newf(MemoryBudget, "rank overflow in component %q: %d bytes exceeds cap %d; reduce samples per rank", component, bytes, cap)
}

// SingularSystem is returned (as a warning, not necessarily fatal to the
// caller) when the variance-component QR solve reports near-zero pivots.
func SingularSystem(detail string) *Error {
	return Newf(Numerical, "singular variance-component system: %s", detail)
}
