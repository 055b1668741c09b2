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

package run

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeLogLine(t *testing.T) {
	require.Equal(t, "Ohello", EncodeLogLine(StreamStdout, "hello"))
	require.Equal(t, "Eboom", EncodeLogLine(StreamStderr, "boom"))
}

func TestDecodeLogLine(t *testing.T) {
	tests := []struct {
		name     string
		encoded  string
		wantKind StreamKind
		wantLine string
	}{
		{"stdout", "Ohello", StreamStdout, "hello"},
		{"stderr", "Eboom", StreamStderr, "boom"},
		{"unknown marker decodes as stderr", "Xweird", StreamStderr, "weird"},
		{"empty", "", StreamStderr, ""},
		{"marker only", "O", StreamStdout, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, line := DecodeLogLine(tt.encoded)
			require.Equal(t, tt.wantKind, kind)
			require.Equal(t, tt.wantLine, line)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, kind := range []StreamKind{StreamStdout, StreamStderr} {
		gotKind, gotLine := DecodeLogLine(EncodeLogLine(kind, "payload with spaces"))
		require.Equal(t, kind, gotKind)
		require.Equal(t, "payload with spaces", gotLine)
	}
}
