/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling implements the Koinonia call lifecycle: the CallManager
// state machine that mediates local user actions, signaling gateway events,
// and media room callbacks, plus call history retrieval.
package calling

import (
	"github.com/koinoniahq/koinonia-go/koinoniasdk"
)

// Client is the top-level Calling client that aggregates the call manager
// and the history sub-client.
type Client struct {
	core   *koinoniasdk.Client
	config *Config

	manager *CallManager
	history *HistoryClient
}

// New creates a new Calling client.
func New(core *koinoniasdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		core:   core,
		config: config,
	}
}

// Manager returns the call manager that drives the active call lifecycle.
func (c *Client) Manager() *CallManager {
	if c.manager == nil {
		c.manager = NewCallManager(c.core, c.config)
	}
	return c.manager
}

// History returns the sub-client for past call records.
func (c *Client) History() *HistoryClient {
	if c.history == nil {
		c.history = newHistoryClient(c.core, c.config)
	}
	return c.history
}
