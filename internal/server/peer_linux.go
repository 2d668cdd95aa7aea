package server

import (
	"net"
	"syscall"
)

// peerPID returns the pid of the process on the other end of conn, or 0.
func peerPID(conn *net.UnixConn) int32 {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0
	}
	var pid int32
	_ = raw.Control(func(fd uintptr) {
		cred, err := syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
		if err == nil {
			pid = cred.Pid
		}
	})
	return pid
}
