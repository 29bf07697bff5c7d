// Copyright (c) AgentGrid Authors.
// Licensed under the MIT License.

/*
Package database holds the SQL persistence used by the server.

Open connects through gorm to SQLite (pure Go), PostgreSQL or MySQL.
PoolManager tunes and health-checks the connection pool and reports
occupancy to a Recorder. RunArchive implements orchestrator.Archive on the
agentgrid_runs table so finished runs survive process restarts and engine
retention sweeps.
*/
package database
