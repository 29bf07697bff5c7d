// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

/*
Package cache manages the shared Redis connection.

Manager dials and health-checks one go-redis client. The server hands
Client() to the Redis Streams bus log and the Redis context backend, and
wraps the Manager in an IdempotencyStore so replayed run submissions
carrying the same Idempotency-Key return the original run id.
*/
package cache
