// Package server accepts local client connections on a unix domain socket
// and hands them to the client registry on the event loop.
//
// Listen removes a socket left behind by an earlier run but refuses to
// replace any other kind of file. The socket is created mode 0700 and is
// unlinked again on Close. On Linux the peer pid of each connection is
// read with SO_PEERCRED; elsewhere it is reported as 0.
package server
