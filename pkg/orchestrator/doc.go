// Package orchestrator fans a group operation out into child jobs and
// resolves the group once every child is terminal.
//
// A coordinator pages through a Searcher and enqueues one child per item, or
// per batch of items, into a shared group. The continuation token is
// checkpointed after each page. Poll reads the group and reports it done
// only when all members are terminal; by default the group is Failed if any
// member failed.
//
//	orch, _ := orchestrator.New(q, searcher, "delete-item")
//	coordinator, _ := orch.Submit(ctx, "delete-matching", query)
//	status, _ := orch.Wait(ctx, coordinator.GroupID, time.Second)
package orchestrator
