// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

/*
Package handlers implements the AgentGrid HTTP API over the engine, the
message bus and the context store.

# Overview

Every handler depends on a narrow interface (WorkflowRegistry, RunService,
ContextService, EventBus, SnapshotSource) so tests can drive it with the
real in-memory components or a stub. Routes mounts them on an
http.ServeMux with method patterns.

# Responses

All JSON replies use the Response envelope. Errors carry the types.Error
code, and WriteError derives the HTTP status from it: NOT_FOUND is 404,
CONFLICT, ALREADY_EXISTS and INVALID_TRANSITION are 409, validation codes
are 400.

# Streaming

GET /api/v1/events/stream upgrades to a WebSocket. The handler subscribes
for the lifetime of the connection and pushes each matching event as one
JSON text frame.

# Idempotency

POST /api/v1/runs honours an Idempotency-Key header when an Idempotency
store is configured: a completed key replays its run id and a key still in
flight is rejected with CONFLICT.
*/
package handlers
