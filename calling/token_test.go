/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"testing"
	"time"
)

func TestParseRoomToken(t *testing.T) {
	token := signRoomToken(t, RoomTokenClaims{
		RoomName: "room-1",
		MemberID: "member-self",
		CallID:   "call-1",
		Expiry:   time.Now().Add(time.Hour).Unix(),
	})

	claims, err := ParseRoomToken(token)
	if err != nil {
		t.Fatalf("ParseRoomToken failed: %v", err)
	}
	if claims.RoomName != "room-1" {
		t.Errorf("unexpected room: %s", claims.RoomName)
	}
	if claims.MemberID != "member-self" {
		t.Errorf("unexpected member: %s", claims.MemberID)
	}
	if claims.ExpiresAt().Before(time.Now()) {
		t.Error("expiry parsed in the past")
	}
}

func TestParseRoomTokenRejectsGarbage(t *testing.T) {
	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := ParseRoomToken(token); err == nil {
			t.Errorf("expected error for token %q", token)
		}
	}
}

func TestValidateDescriptor(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		desc := testDescriptor(t, "call-1")
		if err := validateDescriptor(desc); err != nil {
			t.Fatalf("validateDescriptor failed: %v", err)
		}
	})

	t.Run("room mismatch", func(t *testing.T) {
		desc := testDescriptor(t, "call-1")
		desc.RoomName = "room-other"
		if err := validateDescriptor(desc); err == nil {
			t.Fatal("expected error for mismatched room name")
		}
	})

	t.Run("expired", func(t *testing.T) {
		desc := &MediaRoomDescriptor{
			URL:      "wss://sfu.test/ws",
			RoomName: "room-1",
			Token: signRoomToken(t, RoomTokenClaims{
				RoomName: "room-1",
				Expiry:   time.Now().Add(-time.Minute).Unix(),
			}),
		}
		if err := validateDescriptor(desc); err == nil {
			t.Fatal("expected error for expired token")
		}
	})

	t.Run("missing URL", func(t *testing.T) {
		if err := validateDescriptor(&MediaRoomDescriptor{Token: "tok"}); err == nil {
			t.Fatal("expected error for missing URL")
		}
	})

	t.Run("nil", func(t *testing.T) {
		if err := validateDescriptor(nil); err == nil {
			t.Fatal("expected error for nil descriptor")
		}
	})
}
