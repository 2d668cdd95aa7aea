// Package hooks runs the lifecycle event scripts.
//
// Every executable regular file in the event script directory is run for
// each event, in lexical name order, with the event name as its first
// argument:
//
//	/etc/clusterd/events.d/
//	  00.network   run as "00.network setup"
//	  10.database  run as "10.database setup"
//	  README       skipped, not executable
//
// The first script that fails aborts the event and is reported as a
// *ScriptError carrying its combined output and exit code. Each script is
// bounded by the runner's timeout. A missing or empty directory runs
// nothing and succeeds.
package hooks
