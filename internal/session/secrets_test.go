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

package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSecret(t *testing.T) {
	a, err := generateSecret()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(a, "rls_"))

	b, err := generateSecret()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestHashAndVerifySecret(t *testing.T) {
	secret, err := generateSecret()
	require.NoError(t, err)

	encoded, err := hashSecret(secret)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, "$argon2id$"))
	// The digest never contains the secret itself.
	require.NotContains(t, encoded, secret)

	require.True(t, verifySecret(secret, encoded))
	require.False(t, verifySecret("rls_wrong", encoded))
}

func TestVerifySecretRejectsMalformedDigest(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"},
		{"too few parts", "$argon2id$v=19$m=65536,t=1,p=4"},
		{"bad salt encoding", "$argon2id$v=19$m=65536,t=1,p=4$!!!$aGFzaA"},
		{"bad params", "$argon2id$v=19$nonsense$c2FsdA$aGFzaA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.False(t, verifySecret("rls_any", tt.encoded))
		})
	}
}

func TestHashSecretSaltsEachDigest(t *testing.T) {
	first, err := hashSecret("rls_same")
	require.NoError(t, err)
	second, err := hashSecret("rls_same")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.True(t, verifySecret("rls_same", first))
	require.True(t, verifySecret("rls_same", second))
}
