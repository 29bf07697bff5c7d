// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

/*
Package types provides types shared by every layer of the orchestration core.

# Overview

types is the lowest package in the module. It depends on no internal package
and gives bus, contextstore, workflow, orchestrator and api a single error
contract plus request-scoped context values.

# Core types

  - Error, ErrorCode: structured error with an HTTP status and a Retryable flag
  - IsCode, CodeOf: classification that walks wrapped error chains
  - WithTenantID, WithRunID and friends: request-scoped identity values
*/
package types
