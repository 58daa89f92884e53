/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koinoniahq/koinonia-go/koinoniasdk"
)

func newTestCore(t *testing.T, handler http.Handler) (*koinoniasdk.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	core, err := koinoniasdk.NewClient("test-token", &koinoniasdk.Config{
		BaseURL:    server.URL,
		MaxRetries: 0,
	})
	if err != nil {
		t.Fatalf("failed to create core client: %v", err)
	}
	return core, server
}

func TestRESTCallAPIInitiate(t *testing.T) {
	var gotBody initiateRequest
	core, _ := newTestCore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/calls" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(callEnvelope{
			Call: &CallRecord{CallID: "call-1", Status: CallStatusRinging, CallType: CallTypeVoice},
			MediaRoom: &MediaRoomDescriptor{
				URL:      "wss://sfu.test/ws",
				Token:    "tok",
				RoomName: "room-1",
			},
		})
	}))

	api := newRESTCallAPI(core)
	record, mediaRoom, err := api.Initiate([]string{"member-b"}, CallTypeVoice, "community-1")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if record.CallID != "call-1" {
		t.Errorf("unexpected call ID: %s", record.CallID)
	}
	if mediaRoom == nil || mediaRoom.RoomName != "room-1" {
		t.Errorf("unexpected media room: %+v", mediaRoom)
	}
	if len(gotBody.CalleeIDs) != 1 || gotBody.CalleeIDs[0] != "member-b" {
		t.Errorf("unexpected callees: %v", gotBody.CalleeIDs)
	}
	if gotBody.CommunityID != "community-1" {
		t.Errorf("unexpected community: %s", gotBody.CommunityID)
	}
}

func TestRESTCallAPIInitiateRequiresCallees(t *testing.T) {
	api := newRESTCallAPI(nil)
	if _, _, err := api.Initiate(nil, CallTypeVoice, ""); err == nil {
		t.Fatal("expected error for empty callee list")
	}
}

func TestRESTCallAPIAcceptConflict(t *testing.T) {
	core, _ := newTestCore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calls/call-1/accept" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"call already cancelled","trackingId":"tid-1"}`))
	}))

	api := newRESTCallAPI(core)
	_, _, err := api.Accept("call-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !koinoniasdk.IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestRESTCallAPIActions(t *testing.T) {
	var paths []string
	core, _ := newTestCore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	api := newRESTCallAPI(core)
	if err := api.Reject("call-1"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if err := api.Cancel("call-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := api.End("call-1"); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := api.UpdateParticipant("call-1", &LocalParticipantState{IsMuted: true}); err != nil {
		t.Fatalf("UpdateParticipant failed: %v", err)
	}

	want := []string{
		"POST /calls/call-1/reject",
		"POST /calls/call-1/cancel",
		"POST /calls/call-1/end",
		"PUT /calls/call-1/participant",
	}
	if len(paths) != len(want) {
		t.Fatalf("unexpected requests: %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("request %d: got %s, want %s", i, paths[i], want[i])
		}
	}
}

func TestRESTCallAPIActionError(t *testing.T) {
	core, _ := newTestCore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"no such call"}`))
	}))

	api := newRESTCallAPI(core)
	err := api.End("call-missing")
	if !koinoniasdk.IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
}
