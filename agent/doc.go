// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

/*
Package agent gives agents their view of the orchestration core.

An agent is addressed by id and interacts with the rest of the system only
through Capabilities: publishing and subscribing on the message bus, and
reading and writing the versioned context store. Client implements
Capabilities on top of a bus.Bus and a contextstore.Store.

Bind turns a function taking Capabilities into an orchestrator.AgentHandler
so the same agent can both execute workflow steps and exchange messages.
*/
package agent
