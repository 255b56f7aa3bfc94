/*
 * Copyright (C) 2025-2026, CasareRPA. All rights reserved.
 * See LICENSE for license information.
 */

package schedule

import (
	"testing"

	"gotest.tools/assert"

	dbclient "github.com/casarerpa/orchestrator/pkg/database/client"
)

func edge(from, to string) *dbclient.ScheduleDependency {
	return &dbclient.ScheduleDependency{ScheduleId: from, DependsOn: to}
}

func TestHasCycleSelfEdge(t *testing.T) {
	assert.Assert(t, HasCycle(nil, edge("a", "a")))
}

func TestHasCycleDirectLoop(t *testing.T) {
	// a depends on b already; adding b depends on a closes the loop
	existing := []*dbclient.ScheduleDependency{edge("a", "b")}
	assert.Assert(t, HasCycle(existing, edge("b", "a")))
}

func TestHasCycleTransitiveLoop(t *testing.T) {
	existing := []*dbclient.ScheduleDependency{
		edge("a", "b"),
		edge("b", "c"),
	}
	assert.Assert(t, HasCycle(existing, edge("c", "a")))
}

func TestHasCycleAcceptsDag(t *testing.T) {
	existing := []*dbclient.ScheduleDependency{
		edge("a", "b"),
		edge("b", "c"),
	}
	// diamond shape, no loop
	assert.Assert(t, !HasCycle(existing, edge("a", "c")))
	assert.Assert(t, !HasCycle(existing, edge("d", "c")))
}

func TestHasCycleDisconnectedGraph(t *testing.T) {
	existing := []*dbclient.ScheduleDependency{
		edge("x", "y"),
		edge("p", "q"),
	}
	assert.Assert(t, !HasCycle(existing, edge("y", "p")))
	assert.Assert(t, HasCycle(existing, edge("y", "x")))
}
