package quic

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneSocket applies the endpoint's buffer-size configuration to the
// kernel socket backing conn, widening SO_RCVBUF/SO_SNDBUF beyond the OS
// default so a burst of datagrams from many connections does not overrun
// the receive queue before the dispatch goroutine drains it.
func tuneSocket(conn *net.UDPConn, cfg *Config) error {
	if cfg.RecvBufferSize == 0 && cfg.SendBufferSize == 0 {
		return nil
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if cfg.RecvBufferSize > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RecvBufferSize); e != nil {
				sockErr = e
				return
			}
		}
		if cfg.SendBufferSize > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBufferSize); e != nil {
				sockErr = e
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
