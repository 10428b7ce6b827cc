// Package process starts and tracks supervised child processes.
//
// A Spawner provides two ways to obtain a Handle:
//
// Launch starts a new child:
//   - Working directory, interpreter and environment from Command
//   - Own process group, so signals reach the child and its descendants
//   - Output streamed line by line into a structured logger, with the
//     level parsed from the line when a LogParser is set
//   - Exactly one Exit delivered on Done, with the signal name when the
//     child was killed by a signal
//
// Attach re-acquires a process left running by an earlier supervisor:
//   - PID liveness checked with signal 0
//   - Command line matched against the script via /proc when available
//   - Liveness polled until the process disappears
//
// Example:
//
//	spawner := process.NewSpawner(logger)
//	h, err := spawner.Launch(process.Command{
//	    Name:   "bridge",
//	    Script: "./run.sh",
//	    Dir:    "/srv/bridge",
//	    Env:    map[string]string{"BRIDGE_PORT": "4050"},
//	})
//	if err != nil {
//	    return err
//	}
//	_ = h.Signal(syscall.SIGINT)
//	exit := <-h.Done()
package process
