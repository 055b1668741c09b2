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
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tombee/relay/internal/store"
)

// ConnectionURL is one computed transport endpoint for a server session.
// URLs are derived on read from the base endpoint and hierarchy identity;
// they are never stored.
type ConnectionURL struct {
	Transport store.TransportType `json:"transport"`
	URL       string              `json:"url"`
	// Token authorizes attachment to this (session, deployment, transport)
	// tuple and expires independently of the session secret.
	Token string `json:"token,omitempty"`
}

// connectionClaims is the JWT payload embedded in connection tokens.
type connectionClaims struct {
	SessionID    string `json:"sid"`
	DeploymentID string `json:"dep"`
	Transport    string `json:"trn"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies short-lived connection tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates an issuer. A zero ttl defaults to one hour.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: secret, ttl: ttl}
}

// Mint signs a connection token for one transport endpoint.
func (i *TokenIssuer) Mint(sessionID, deploymentID string, transport store.TransportType) (string, error) {
	now := time.Now()
	claims := connectionClaims{
		SessionID:    sessionID,
		DeploymentID: deploymentID,
		Transport:    string(transport),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "relay",
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign connection token: %w", err)
	}
	return signed, nil
}

// Verify parses a connection token and returns the tuple it authorizes.
func (i *TokenIssuer) Verify(tokenString string) (sessionID, deploymentID string, transport store.TransportType, err error) {
	claims := &connectionClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", "", "", fmt.Errorf("invalid connection token: %w", err)
	}
	return claims.SessionID, claims.DeploymentID, store.TransportType(claims.Transport), nil
}

// transports in the order they are advertised.
var transports = []store.TransportType{
	store.TransportSSE,
	store.TransportStreamableHTTP,
	store.TransportWebSocket,
}

// connectionURLs computes the transport endpoints for one
// (session, deployment) pair. When an issuer is configured each URL carries
// a signed attachment token.
func connectionURLs(base string, issuer *TokenIssuer, sessionID, deploymentID string) ([]ConnectionURL, error) {
	base = strings.TrimRight(base, "/")

	urls := make([]ConnectionURL, 0, len(transports))
	for _, transport := range transports {
		u := ConnectionURL{
			Transport: transport,
			URL:       fmt.Sprintf("%s/mcp/%s/%s/%s", base, sessionID, deploymentID, transport),
		}
		if issuer != nil {
			token, err := issuer.Mint(sessionID, deploymentID, transport)
			if err != nil {
				return nil, err
			}
			u.Token = token
		}
		urls = append(urls, u)
	}
	return urls, nil
}
