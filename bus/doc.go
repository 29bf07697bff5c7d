// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

/*
Package bus implements the in-process message bus shared by agents and the
workflow engine.

Publishers emit events on dotted topics such as "task.created". Subscribers
register topic patterns; a pattern is either an exact topic or a prefix
ending in a "*" segment ("task.*"), and "*" alone matches every topic. Each
subscriber owns one FIFO queue. Publish routes an event into every matching
queue without waiting for a consumer, and subscribers drain their queue with
Poll or Drain at their own pace.

Ordering is per publisher and per subscriber: two events published in order
by the same caller are polled in that order by every subscriber that
receives both. Nothing is promised across publishers.

A DurableLog may be attached to persist events; RedisLog stores them in
Redis streams and supports replay from an event id.
*/
package bus
