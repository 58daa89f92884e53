/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package koinonia is the top-level client for the Koinonia community APIs:
// member lookup, real-time signaling, and voice/video calling.
package koinonia

import (
	"sync"

	"github.com/koinoniahq/koinonia-go/calling"
	"github.com/koinoniahq/koinonia-go/koinoniasdk"
	"github.com/koinoniahq/koinonia-go/members"
	"github.com/koinoniahq/koinonia-go/signaling"
)

// KoinoniaClient is the top-level client for the Koinonia API
type KoinoniaClient struct {
	// Core client for the Koinonia API
	core *koinoniasdk.Client

	// Plugins
	membersClient   *members.Client
	callingClient   *calling.Client
	signalingClient *signaling.Client

	// Mutex for thread-safe lazy initialization of plugins
	mu sync.Mutex
}

// NewClient creates a new Koinonia client with the given access token and
// optional configuration
func NewClient(accessToken string, config *koinoniasdk.Config) (*KoinoniaClient, error) {
	core, err := koinoniasdk.NewClient(accessToken, config)
	if err != nil {
		return nil, err
	}

	return &KoinoniaClient{
		core: core,
	}, nil
}

// Core returns the underlying core client.
func (c *KoinoniaClient) Core() *koinoniasdk.Client {
	return c.core
}

// Members returns the Members plugin
func (c *KoinoniaClient) Members() *members.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.membersClient == nil {
		c.membersClient = members.New(c.core, nil)
	}
	return c.membersClient
}

// Signaling returns the Signaling plugin
func (c *KoinoniaClient) Signaling() *signaling.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signalingClient == nil {
		c.signalingClient = signaling.New(c.core, nil)
	}
	return c.signalingClient
}

// Calling returns the Calling plugin, wired to the signaling gateway and
// the member directory.
func (c *KoinoniaClient) Calling() *calling.Client {
	c.mu.Lock()
	callingClient := c.callingClient
	c.mu.Unlock()
	if callingClient != nil {
		return callingClient
	}

	callingClient = calling.New(c.core, nil)
	manager := callingClient.Manager()
	manager.WithMemberDirectory(c.Members())
	manager.BindSignaling(c.Signaling())

	c.mu.Lock()
	if c.callingClient == nil {
		c.callingClient = callingClient
	}
	callingClient = c.callingClient
	c.mu.Unlock()
	return callingClient
}
