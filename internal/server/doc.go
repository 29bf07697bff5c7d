// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

// Package server runs the API and metrics HTTP servers in the background
// and drains them on shutdown. Wait ties several managers to one context.
package server
