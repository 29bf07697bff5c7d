// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

// Package tlsutil holds the TLS client settings shared by the Redis
// connection and the health probe.
package tlsutil
