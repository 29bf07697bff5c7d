// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

/*
Package contextstore provides the versioned key-value context shared across
agents and workflow steps.

Every entry carries a version that starts at 1 and increases by one per
write. A write names the version it read (0 to create) and fails with a
CONFLICT error when the stored version has moved on, so concurrent writers
never overwrite each other silently. Update wraps the read-modify-write loop.

Watch yields change notifications for keys matching a pattern, using the
same dotted syntax as bus topics. The scheduler watches "*" to re-evaluate
step conditions.

Two backends are provided: MemoryBackend (lock-free per-key pointer swap)
and RedisBackend (WATCH/MULTI transactions).
*/
package contextstore
