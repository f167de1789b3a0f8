// Package orchestrator runs workflow executions on top of the durable queue.
//
// The Engine owns the write side of an execution. StartExecution validates a
// definition, records the execution and hands it to a level driver, which:
//   - enqueues the steps of the current dependency level
//   - waits until every one of them is terminal
//   - merges their results into the execution context
//   - commits a checkpoint together with the state transition that ends the level
//
// Steps are executed by a Pool of workers that claim items from the queue.
// Pools share nothing but the store, so workers in other processes can serve
// the same executions. Executors are looked up in a Registry by the step's
// executor hint or its action name.
//
// Example usage:
//
//	store, _ := state.Open(state.DefaultDBPath())
//	engine := orchestrator.New(store, orchestrator.WithLogger(log))
//	go engine.NewPool().Run(ctx)
//	exec, err := engine.StartExecution(ctx, def, orchestrator.StartOptions{TriggeredBy: "cli"})
//	final, err := engine.Wait(ctx, exec.ID)
package orchestrator
