// Package glog contains small helpers for use with log/slog.
package glog

import (
	"fmt"
	"log/slog"
)

// Hex wraps a byte slice to ensure it serializes as a hex-encoded string.
// Without this, it gets rendered as a Unicode string with embedded escape codes.
type Hex []byte

func (v Hex) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%x", v))
}

// BN returns a copy of log that includes a field for the given block number.
//
// This is a convenient shorthand in many log calls where
// the block number is the pertinent detail.
func BN(log *slog.Logger, number uint64) *slog.Logger {
	return log.With("block_number", number)
}

// BNE returns a copy of log that includes fields for the given block number and error.
func BNE(log *slog.Logger, number uint64, e error) *slog.Logger {
	return log.With("block_number", number, "err", e)
}
