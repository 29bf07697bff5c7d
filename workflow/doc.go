// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

/*
Package workflow defines workflow definitions and turns them into task
graphs.

# Definitions

A Definition names a set of steps, each assigned to an agent, and the edges
between them. An edge A -> B means B waits for A. Steps and edges may carry
conditions written in the workflow/dsl expression language; a step runs only
when its own condition and every incoming edge condition hold. A step may
name a compensation step that is scheduled if it exhausts its retries.
Compensation steps take no part in edges.

Definitions can be assembled with Builder or loaded from JSON and YAML
files with LoadFile and LoadDir.

# Graphs

Build validates a definition:

  - empty or duplicate step ids and missing agent ids are INVALID_DEFINITION
  - edges or compensations naming undeclared steps are UNKNOWN_STEP
  - any cycle is CYCLIC_DEPENDENCY, reporting one cycle's step ids

The resulting Graph lists, for every step, its sorted predecessor and
successor ids and a topological order with ties broken by ascending id.
Graph construction is pure; the same definition always yields the same
graph regardless of the order steps and edges were declared in.
*/
package workflow
