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

// StreamKind identifies which output stream a log line came from.
type StreamKind string

const (
	// StreamStdout is the standard output stream.
	StreamStdout StreamKind = "stdout"
	// StreamStderr is the standard error stream.
	StreamStderr StreamKind = "stderr"
)

// stdoutMarker is the wire marker for stdout lines. Any other leading
// character decodes as stderr.
const stdoutMarker = 'O'

// stderrMarker is the wire marker written for stderr lines.
const stderrMarker = 'E'

// EncodeLogLine prefixes a log line with its stream marker for storage.
func EncodeLogLine(kind StreamKind, line string) string {
	if kind == StreamStdout {
		return string(stdoutMarker) + line
	}
	return string(stderrMarker) + line
}

// DecodeLogLine splits a stored line into its stream kind and raw text.
// An empty encoded line decodes as an empty stderr line.
func DecodeLogLine(encoded string) (StreamKind, string) {
	if encoded == "" {
		return StreamStderr, ""
	}
	if encoded[0] == stdoutMarker {
		return StreamStdout, encoded[1:]
	}
	return StreamStderr, encoded[1:]
}
