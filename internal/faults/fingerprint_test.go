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

package faults

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{
			name:    "uuid replaced",
			message: "session 7f3c2a1e-9b4d-4c5a-8e6f-1a2b3c4d5e6f not found",
			want:    "session <id> not found",
		},
		{
			name:    "long hex replaced",
			message: "trace deadbeefdeadbeef aborted",
			want:    "trace <hex> aborted",
		},
		{
			name:    "numbers replaced",
			message: "connection timed out after 30s on port 8080",
			want:    "connection timed out after <n>s on port <n>",
		},
		{
			name:    "whitespace collapsed and case folded",
			message: "  Connection   REFUSED\tby peer ",
			want:    "connection refused by peer",
		},
		{
			name:    "short hex left alone",
			message: "code deadbeef rejected",
			want:    "code deadbeef rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizeMessage(tt.message))
		})
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("dep_1", "timeout", "timed out after 30s")
	b := Fingerprint("dep_1", "timeout", "timed out after 45s")
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestFingerprintSeparatesScopeAndCode(t *testing.T) {
	base := Fingerprint("dep_1", "timeout", "boom")
	require.NotEqual(t, base, Fingerprint("dep_2", "timeout", "boom"))
	require.NotEqual(t, base, Fingerprint("dep_1", "oom", "boom"))
	require.NotEqual(t, base, Fingerprint("dep_1", "timeout", "different failure"))
}
