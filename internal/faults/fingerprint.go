// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package faults deduplicates recurring execution failures into stable
// groups keyed by a deterministic fingerprint.
package faults

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	// uuidPattern matches UUID-shaped identifiers embedded in messages.
	uuidPattern = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)

	// hexPattern matches long hex tokens such as hashes and trace ids.
	hexPattern = regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`)

	// numberPattern matches free-standing numbers (ports, pids, offsets).
	numberPattern = regexp.MustCompile(`\b\d+\b`)

	// whitespacePattern collapses runs of whitespace.
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// NormalizeMessage strips the volatile parts of an error message so that
// recurrences of the same failure produce the same text. Identifiers,
// hashes, and numbers are replaced with a placeholder; whitespace is
// collapsed; case is folded.
func NormalizeMessage(message string) string {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = uuidPattern.ReplaceAllString(normalized, "<id>")
	normalized = hexPattern.ReplaceAllString(normalized, "<hex>")
	normalized = numberPattern.ReplaceAllString(normalized, "<n>")
	normalized = whitespacePattern.ReplaceAllString(normalized, " ")
	return normalized
}

// Fingerprint derives the stable dedup key for an error. It is a pure
// function of the owning scope (deployment identity), the error code, and
// the normalized message; equal inputs always yield equal fingerprints.
func Fingerprint(scope, code, message string) string {
	sum := sha256.Sum256([]byte(scope + "\x00" + code + "\x00" + NormalizeMessage(message)))
	return hex.EncodeToString(sum[:])
}
