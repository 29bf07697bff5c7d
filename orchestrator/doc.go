// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

/*
Package orchestrator runs workflow graphs against registered agents.

The Engine is the inbound surface: RegisterDefinition builds and stores a
workflow graph, RegisterAgent binds an agent id to an AgentHandler, and
CreateRun starts a run. ControlRun pauses, resumes or cancels it;
GetRunStatus, ListRuns and Wait report on it.

Within a run the Scheduler dispatches a step once every predecessor has
Succeeded or been Skipped and its conditions hold. Ready steps start in
ascending id order, bounded by the run's max_parallel and the engine-wide
MaxWorkers semaphore. Each attempt gets a snapshot of the context store;
its ContextUpdates are written back before the step is marked Succeeded.

Failed attempts go to the RecoveryManager, which retries with exponential
jittered backoff until the step's max_attempts is spent. An exhausted step
with a compensation runs that compensation and is then Skipped so its
successors proceed; otherwise the run fails, remaining steps are Skipped,
and running steps are signalled through their context.

Run and step transitions are published on the message bus under the
"workflow.*" and "step.*" topics.
*/
package orchestrator
