/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// RoomTokenClaims are the claims carried by a media room access token.
// The token is minted by the call-management service and verified by the
// media provider; the client only reads the claims to sanity-check the
// descriptor and surface expiry.
type RoomTokenClaims struct {
	RoomName string `json:"room"`
	MemberID string `json:"sub"`
	CallID   string `json:"callId,omitempty"`
	IssuedAt int64  `json:"iat,omitempty"`
	Expiry   int64  `json:"exp,omitempty"`
}

// ExpiresAt returns the token expiry as a time, or the zero time when the
// token carries no exp claim.
func (c *RoomTokenClaims) ExpiresAt() time.Time {
	if c.Expiry == 0 {
		return time.Time{}
	}
	return time.Unix(c.Expiry, 0)
}

// roomTokenAlgorithms are the signature algorithms the call-management
// service mints room tokens with.
var roomTokenAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.RS256, jose.ES256,
}

// ParseRoomToken decodes the claims of a media room access token without
// verifying its signature. Verification happens at the media provider,
// which holds the signing key; the client has no key material.
func ParseRoomToken(token string) (*RoomTokenClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("room token is empty")
	}

	jws, err := jose.ParseSigned(token, roomTokenAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("malformed room token: %w", err)
	}

	var claims RoomTokenClaims
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return nil, fmt.Errorf("malformed room token claims: %w", err)
	}

	return &claims, nil
}

// validateDescriptor cross-checks a media room descriptor against its
// token's claims. A mismatched room name means the control plane handed
// out a token for a different room; joining would fail at the provider
// with a less useful error.
func validateDescriptor(desc *MediaRoomDescriptor) error {
	if desc == nil {
		return fmt.Errorf("no media room descriptor")
	}
	if desc.URL == "" {
		return fmt.Errorf("media room descriptor has no URL")
	}

	claims, err := ParseRoomToken(desc.Token)
	if err != nil {
		return err
	}

	if claims.RoomName != "" && desc.RoomName != "" && claims.RoomName != desc.RoomName {
		return fmt.Errorf("room token is for room %q, descriptor names %q", claims.RoomName, desc.RoomName)
	}
	if exp := claims.ExpiresAt(); !exp.IsZero() && time.Now().After(exp) {
		return fmt.Errorf("room token expired at %s", exp.Format(time.RFC3339))
	}

	return nil
}
