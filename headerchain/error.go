// Copyright (c) 2024 The btcspv developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package headerchain

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrNotExtendingTip indicates a block without a trusted height whose
	// previous block is not the current chain tip.  Normal sync requires
	// strictly sequential connection.
	ErrNotExtendingTip ErrorCode = iota

	// ErrNoTip indicates the chain has no stored blocks to connect to,
	// which means the checkpoint was never seeded.
	ErrNoTip

	// numErrorCodes is the maximum error code number used in tests.
	numErrorCodes
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrNotExtendingTip: "ErrNotExtendingTip",
	ErrNoTip:           "ErrNoTip",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a violation of the chain connection rules.  The caller
// can use type assertions to access the ErrorCode field to ascertain the
// specific reason for the failure.
type RuleError struct {
	ErrorCode   ErrorCode
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}

// IsRuleErrorCode returns whether err is a RuleError with the given code.
func IsRuleErrorCode(err error, c ErrorCode) bool {
	var ruleErr RuleError
	return errors.As(err, &ruleErr) && ruleErr.ErrorCode == c
}
