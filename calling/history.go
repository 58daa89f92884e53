/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/koinoniahq/koinonia-go/koinoniasdk"
)

// HistoryClient retrieves past call records.
type HistoryClient struct {
	core   *koinoniasdk.Client
	config *Config
}

func newHistoryClient(core *koinoniasdk.Client, config *Config) *HistoryClient {
	return &HistoryClient{
		core:   core,
		config: config,
	}
}

// HistoryOptions filters a call history listing.
type HistoryOptions struct {
	// CommunityID limits results to calls within one community.
	CommunityID string

	// MemberID limits results to calls that included the given member.
	MemberID string

	// CallType limits results to voice or video calls.
	CallType CallType

	// Max is the page size. Zero uses the server default.
	Max int
}

// HistoryPage is one page of call history records.
type HistoryPage struct {
	Items []CallRecord `json:"items"`
	*koinoniasdk.Page
}

// List returns ended calls, most recent first.
func (c *HistoryClient) List(options *HistoryOptions) (*HistoryPage, error) {
	if options == nil {
		options = &HistoryOptions{}
	}

	params := url.Values{}
	if options.CommunityID != "" {
		params.Set("communityId", options.CommunityID)
	}
	if options.MemberID != "" {
		params.Set("memberId", options.MemberID)
	}
	if options.CallType != "" {
		params.Set("callType", string(options.CallType))
	}
	if options.Max > 0 {
		params.Set("max", strconv.Itoa(options.Max))
	}

	resp, err := c.core.Request(http.MethodGet, "calls/history", params, nil)
	if err != nil {
		return nil, err
	}

	page, err := koinoniasdk.NewPage(resp, c.core, "calls/history")
	if err != nil {
		return nil, err
	}

	historyPage := &HistoryPage{
		Page:  page,
		Items: make([]CallRecord, len(page.Items)),
	}
	for i, item := range page.Items {
		var record CallRecord
		if err := json.Unmarshal(item, &record); err != nil {
			return nil, err
		}
		historyPage.Items[i] = record
	}

	return historyPage, nil
}
