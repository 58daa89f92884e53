/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package members provides lookup of community members: display names and
// avatars for call invites and participant lists, and member search within
// a community.
package members

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/koinoniahq/koinonia-go/koinoniasdk"
)

// Member represents a community member
type Member struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"displayName"`
	Nickname     string     `json:"nickname,omitempty"`
	Avatar       string     `json:"avatar,omitempty"`
	Emails       []string   `json:"emails,omitempty"`
	CommunityIDs []string   `json:"communityIds,omitempty"`
	Status       string     `json:"status,omitempty"`
	Created      *time.Time `json:"created,omitempty"`
}

// ListOptions contains the options for listing members
type ListOptions struct {
	CommunityID string
	DisplayName string
	Max         int
}

// MembersPage represents a paginated list of members
type MembersPage struct {
	Items []Member `json:"items"`
	*koinoniasdk.Page
}

// Config holds the configuration for the Members plugin
type Config struct{}

// DefaultConfig returns the default configuration for the Members plugin
func DefaultConfig() *Config {
	return &Config{}
}

// Client is the members API client
type Client struct {
	core   *koinoniasdk.Client
	config *Config
}

// New creates a new Members plugin
func New(core *koinoniasdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		core:   core,
		config: config,
	}
}

// Get returns a single member by ID
func (c *Client) Get(memberID string) (*Member, error) {
	if memberID == "" {
		return nil, fmt.Errorf("memberID is required")
	}

	path := fmt.Sprintf("members/%s", memberID)
	resp, err := c.core.Request(http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	var member Member
	if err := koinoniasdk.ParseResponse(resp, &member); err != nil {
		return nil, err
	}

	return &member, nil
}

// List returns members matching the given options
func (c *Client) List(options *ListOptions) (*MembersPage, error) {
	if options == nil {
		options = &ListOptions{}
	}

	params := url.Values{}
	if options.CommunityID != "" {
		params.Set("communityId", options.CommunityID)
	}
	if options.DisplayName != "" {
		params.Set("displayName", options.DisplayName)
	}
	if options.Max > 0 {
		params.Set("max", strconv.Itoa(options.Max))
	}

	resp, err := c.core.Request(http.MethodGet, "members", params, nil)
	if err != nil {
		return nil, err
	}

	page, err := koinoniasdk.NewPage(resp, c.core, "members")
	if err != nil {
		return nil, err
	}

	membersPage := &MembersPage{
		Page:  page,
		Items: make([]Member, len(page.Items)),
	}
	for i, item := range page.Items {
		var member Member
		if err := json.Unmarshal(item, &member); err != nil {
			return nil, err
		}
		membersPage.Items[i] = member
	}

	return membersPage, nil
}
