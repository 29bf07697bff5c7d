// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

// Package config loads the AgentGrid server configuration from defaults,
// a YAML file and AGENTGRID_* environment variables, and provides a
// polling FileWatcher used to pick up new workflow definition files.
package config
