package trace

import "github.com/achilleasa/memkern/kernel"

var (
	// ErrEntryIsNone is returned when an operation expected to find a
	// live entry covering a given physical address but found none.
	ErrEntryIsNone = &kernel.Error{Kind: kernel.ErrKindNotFound, Module: "trace", Message: "no entry covers the requested address"}

	// ErrEntrySizeMismatch is returned when an operation expected an
	// entry of an exact size (e.g. Drop) but found one of a different
	// size.
	ErrEntrySizeMismatch = &kernel.Error{Kind: kernel.ErrKindInvalidRequest, Module: "trace", Message: "entry size does not match request"}

	// ErrNotFound is returned when no Taken record anywhere in the chain
	// covers the address being dropped.
	ErrNotFound = &kernel.Error{Kind: kernel.ErrKindNotFound, Module: "trace", Message: "no matching tracing record found"}

	// ErrInternalFailure signals a tracing-chain invariant violation.
	ErrInternalFailure = &kernel.Error{Kind: kernel.ErrKindInternalFailure, Module: "trace", Message: "tracing chain invariant violated"}
)
