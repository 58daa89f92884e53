/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package members

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koinoniahq/koinonia-go/koinoniasdk"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
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
	return New(core, nil)
}

func TestGetMember(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/members/member-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "member-1",
			"displayName": "Anne Example",
			"nickname": "Anne",
			"avatar": "https://cdn.test/anne.png",
			"communityIds": ["community-1"],
			"status": "active"
		}`)
	}))

	member, err := client.Get("member-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if member.DisplayName != "Anne Example" {
		t.Errorf("unexpected display name: %s", member.DisplayName)
	}
	if len(member.CommunityIDs) != 1 || member.CommunityIDs[0] != "community-1" {
		t.Errorf("unexpected communities: %v", member.CommunityIDs)
	}
}

func TestGetMemberRequiresID(t *testing.T) {
	client := New(nil, nil)
	if _, err := client.Get(""); err == nil {
		t.Fatal("expected error for empty member ID")
	}
}

func TestGetMemberNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"no such member"}`)
	}))

	_, err := client.Get("member-missing")
	if !koinoniasdk.IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestListMembers(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if got := query.Get("communityId"); got != "community-1" {
			t.Errorf("unexpected communityId: %q", got)
		}
		if got := query.Get("displayName"); got != "Anne" {
			t.Errorf("unexpected displayName: %q", got)
		}
		if got := query.Get("max"); got != "10" {
			t.Errorf("unexpected max: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[
			{"id":"member-1","displayName":"Anne Example"},
			{"id":"member-2","displayName":"Anne Other"}
		]}`)
	}))

	page, err := client.List(&ListOptions{
		CommunityID: "community-1",
		DisplayName: "Anne",
		Max:         10,
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 members, got %d", len(page.Items))
	}
	if page.Items[1].ID != "member-2" {
		t.Errorf("unexpected second member: %+v", page.Items[1])
	}
	if page.HasNext {
		t.Error("unexpected next page")
	}
}
