// Package supervisor keeps one child process alive per app.
//
// A Supervisor runs the restart state machine for a single app:
//
//	Stopped -> Launching -> Running -> Crashed -> WaitingToRestart -> Launching ...
//	                            |          |
//	                            |          +-> Stopped (autorestart off)
//	                            |          +-> Errored (restart budget exhausted)
//	                            +-> Stopping -> Stopped
//
// Every unexpected exit is tagged crashed when the child ran for less than
// MinUptime and errored otherwise. The tag is advisory; only the restart
// budget decides whether another launch happens. Operator restarts and
// stops never count against the budget.
//
// A Registry holds the supervisors of independent apps by name. It saves
// and resurrects them through a Store, and reconciles them with a reloaded
// set of definitions.
//
// Example:
//
//	sup, err := supervisor.New("qoo-bridge", spec, policy, supervisor.Options{
//	    Launcher: process.NewSpawner(logger),
//	    Logger:   logger,
//	    Bus:      bus,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := sup.Launch(); err != nil {
//	    logger.Warn("first launch failed, restart policy applies", "error", err)
//	}
//	defer sup.Stop(context.Background())
package supervisor
