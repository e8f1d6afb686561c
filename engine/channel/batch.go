// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package channel

import "context"

// BatchAdaptor yields successive sub-messages from one raw input. Concrete
// adaptors (HL7 batch files, delimited readers) are external collaborators.
type BatchAdaptor interface {
	// Next returns the next sub-message, or nil when the input is
	// exhausted.
	Next(ctx context.Context) ([]byte, error)
	// SequenceID numbers the sub-messages of this batch, starting at 1 for
	// the message most recently returned by Next.
	SequenceID() int64
	// IsComplete reports whether the whole input has been consumed.
	IsComplete() bool
	// Cleanup releases adaptor resources after the batch finishes.
	Cleanup(ctx context.Context) error
}

// BatchFactory builds a batch adaptor over one raw input.
type BatchFactory func(raw []byte, sourceMap map[string]any) (BatchAdaptor, error)
