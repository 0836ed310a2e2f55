// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package declare

import (
	"go/token"
	"strings"
)

// Code identifies the kind of a diagnostic.
type Code string

const (
	CodeMissingModule       Code = "missing-module"
	CodeInvalidModule       Code = "invalid-module"
	CodeDuplicateModule     Code = "duplicate-module"
	CodeMalformedHook       Code = "malformed-hook"
	CodeMalformedLookup     Code = "malformed-lookup"
	CodeInvalidOffset       Code = "invalid-offset"
	CodeUnsupportedABI      Code = "unsupported-abi"
	CodeDuplicateHook       Code = "duplicate-hook"
	CodeDuplicateSlot       Code = "duplicate-slot"
	CodeConflictingUnsafe   Code = "conflicting-unsafe"
	CodeUnsupportedParam    Code = "unsupported-param"
	CodeUnsupportedReceiver Code = "unsupported-receiver"
	CodeGenericHook         Code = "generic-hook"
	CodeMisplacedDirective  Code = "misplaced-directive"
	CodeUnknownDirective    Code = "unknown-directive"
	CodeNameCollision       Code = "name-collision"
)

// Label is one source location a diagnostic points at.
type Label struct {
	Pos     token.Position
	Message string
}

// Diagnostic is a declaration error tied to one or more source locations.
// The first label is the primary one; the rest add context, e.g. the
// other half of a duplicate.
type Diagnostic struct {
	Code       Code
	Labels     []Label
	Suggestion string
}

// Pos returns the primary location.
func (d *Diagnostic) Pos() token.Position {
	if len(d.Labels) == 0 {
		return token.Position{}
	}
	return d.Labels[0].Pos
}

// Message returns the primary message.
func (d *Diagnostic) Message() string {
	if len(d.Labels) == 0 {
		return string(d.Code)
	}
	return d.Labels[0].Message
}

// Error formats the diagnostic as
//
//	file:line:col: message [code]
//	file:line:col: note
//
//	Suggestion: ...
func (d *Diagnostic) Error() string {
	var b strings.Builder
	for i, l := range d.Labels {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Pos.String())
		b.WriteString(": ")
		b.WriteString(l.Message)
		if i == 0 {
			b.WriteString(" [")
			b.WriteString(string(d.Code))
			b.WriteByte(']')
		}
	}
	if d.Suggestion != "" {
		b.WriteString("\n\nSuggestion: ")
		b.WriteString(d.Suggestion)
	}
	return b.String()
}

// Diagnostics is every problem found in one package. It is returned as the
// error of Compile when non-empty.
type Diagnostics []*Diagnostic

func (ds Diagnostics) Error() string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.Error()
	}
	return strings.Join(parts, "\n\n")
}

// Err returns ds as an error, or nil when there are no diagnostics.
func (ds Diagnostics) Err() error {
	if len(ds) == 0 {
		return nil
	}
	return ds
}

// Has reports whether any diagnostic carries code.
func (ds Diagnostics) Has(code Code) bool {
	for _, d := range ds {
		if d.Code == code {
			return true
		}
	}
	return false
}

// Find returns the first diagnostic with code.
func (ds Diagnostics) Find(code Code) *Diagnostic {
	for _, d := range ds {
		if d.Code == code {
			return d
		}
	}
	return nil
}
