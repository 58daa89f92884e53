/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHistoryList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/calls/history", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("communityId"); got != "community-1" {
			t.Errorf("unexpected communityId: %q", got)
		}
		if got := r.URL.Query().Get("max"); got != "2" {
			t.Errorf("unexpected max: %q", got)
		}

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"items":[{"callId":"call-3","callType":"voice","status":"ended"}]}`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/calls/history?communityId=community-1&max=2&page=2>; rel="next"`, serverURL(r)))
		fmt.Fprint(w, `{"items":[
			{"callId":"call-1","callType":"voice","status":"ended","durationSeconds":42},
			{"callId":"call-2","callType":"video","status":"ended"}
		]}`)
	})
	core, _ := newTestCore(t, mux)

	history := newHistoryClient(core, DefaultConfig())
	page, err := history.List(&HistoryOptions{CommunityID: "community-1", Max: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(page.Items) != 2 {
		t.Fatalf("expected 2 records, got %d", len(page.Items))
	}
	if page.Items[0].CallID != "call-1" || page.Items[0].DurationSeconds != 42 {
		t.Errorf("unexpected first record: %+v", page.Items[0])
	}
	if page.Items[1].CallType != CallTypeVideo {
		t.Errorf("unexpected second record type: %s", page.Items[1].CallType)
	}
	if !page.HasNext {
		t.Fatal("expected a next page")
	}

	next, err := page.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if len(next.Items) != 1 {
		t.Fatalf("expected 1 record on page 2, got %d", len(next.Items))
	}
}

func serverURL(r *http.Request) string {
	return "http://" + r.Host
}

func TestHistoryListEmptyOptions(t *testing.T) {
	core, _ := newTestCore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Errorf("expected no query parameters, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[]}`)
	}))

	history := newHistoryClient(core, DefaultConfig())
	page, err := history.List(nil)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Items) != 0 || page.HasNext {
		t.Fatalf("unexpected page: %+v", page)
	}
}
