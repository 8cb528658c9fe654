package rec

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func setRecvBuf(conn *net.UDPConn, size int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return errors.WithStack(err)
	}

	var e error
	err = raw.Control(func(fd uintptr) {
		e = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	})
	if e != nil {
		return errors.WithStack(e)
	} else if err != nil {
		return errors.WithStack(err)
	}
	return nil
}
