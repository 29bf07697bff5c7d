// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

// Package telemetry installs the OpenTelemetry SDK tracer and meter
// providers exporting over OTLP gRPC. The scheduler's step spans and the
// HTTP tracing middleware record through them. When disabled, nothing is
// installed and the global noop providers stay in place.
package telemetry
