// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

/*
Package metrics is the passive metrics collector of the orchestration core.

Collector implements bus.Observer and orchestrator.Observer. It counts
published, delivered and dropped events per topic, step transitions,
attempts and retries per workflow, and records latency histograms for
subscriber queue wait, step queue wait, step execution and end-to-end run
time. HTTP and database pool metrics are recorded by the server middleware
and the database pool manager.

Metrics live in a private Prometheus registry exposed through Handler.
Snapshot returns an aggregated read-only copy for the JSON API. The
collector never calls back into the components it observes.
*/
package metrics
