// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

/*
Command agentgrid runs the AgentGrid orchestration server.

# Commands

  - serve     builds the bus, context store, engine and HTTP API from the
    config file and environment, then serves until SIGINT or SIGTERM
  - validate  checks the config and builds every workflow definition found
    in the given files or directories
  - version   prints the build information injected with -ldflags
  - health    checks /health (or /ready) of a running server

# Wiring

Redis is connected only when bus.durable or context.backend is "redis"; it
then also backs the Idempotency-Key store for run creation. With
database.enabled, evicted runs are archived through gorm; otherwise a
bounded in-memory archive keeps them.

The API handler is wrapped, outermost first, in Recovery, RequestID,
SecurityHeaders, OTelTracing, MetricsMiddleware, RequestLogger, CORS, the
configured authentication (API keys, JWT) and the per-tenant RateLimiter.
Prometheus metrics are served on server.metrics_port, or on /metrics of the
API port when the metrics port is 0.

# Built-in agents

Every server registers three agents usable from workflow definitions:
echo copies its input into the context store, publish sends input.payload
to input.topic, and await blocks until an event matching input.topic
arrives.
*/
package main
