// Package lifecycle brings a daemon from nothing to a running cluster
// member and back down again.
//
// A Manager walks the run states in order:
//
//	Init     bind the client socket, start the event loop, run "init"
//	Setup    resolve the pnn, build the node and vnn maps, attach and
//	         freeze databases, start the transport, accept clients,
//	         run "setup"
//	Running  recovery daemon and periodic tasks are active
//	Shutdown takeover run, stop everything, run "shutdown", exit
//
// A failure before Running is fatal and terminates the process with one of
// the Exit* codes:
//
//	10  ExitBind         client socket could not be bound
//	11  ExitEventLoop    the event loop panicked
//	12  ExitSignal       signal handling could not be installed
//	13  ExitTransport    node transport failed to start
//	14  ExitSetupHook    the init or setup event script failed
//	15  ExitFreeze       databases could not be attached or frozen
//	16  ExitPNN          no configured node address belongs to this host
//	17  ExitConsistency  a record flag change could not be stored
//	 0  ExitUnexpected   the event loop returned on its own
//
// Shutdown is entered at most once and always completes. The takeover
// run it starts with is best effort and bounded by a timeout; its failure
// is logged and shutdown carries on.
//
// # Background tasks
//
// While Running, the keepalive monitor runs on the event loop and an
// errgroup drives the periodic tasks: public IP tickles, a one-second
// heartbeat that logs when the loop has not completed a batch for five
// seconds, and CPU sampling. All of them tick on the Manager's clock so
// tests can drive them with a fake one.
package lifecycle
