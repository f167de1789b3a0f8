// Package tui provides the live dashboard behind `stepflow top`.
//
// The dashboard polls a Source for queue statistics, active executions and
// recent audit events, and can additionally be fed live orchestrator events.
// The selected execution can be paused, resumed or cancelled from the
// keyboard when a Controller is attached.
//
// Usage:
//
//	program, _ := tui.NewProgram(tui.NewStoreSource(engine.Queue(), store), engine, time.Second)
//	go func() {
//	    for ev := range engine.Events() {
//	        program.Send(tui.EventMsg{Event: ev})
//	    }
//	}()
//	_, err := program.Run()
package tui
