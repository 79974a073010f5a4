package uart

import (
	"syscall"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const oNoctty = syscall.O_NOCTTY

var baudRates = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
}

func baudFlag(baud int) (uint32, error) {
	if flag, ok := baudRates[baud]; ok {
		return flag, nil
	}
	return 0, errors.NotSupportedf("uart baud=%d", baud)
}

func (p *Port) setRaw() error {
	speed, err := baudFlag(p.baud)
	if err != nil {
		return err
	}
	rc, err := p.f.SyscallConn()
	if err != nil {
		return errors.Trace(err)
	}
	var ioErr error
	err = rc.Control(func(fd uintptr) {
		var t *unix.Termios
		t, ioErr = unix.IoctlGetTermios(int(fd), unix.TCGETS)
		if ioErr != nil {
			ioErr = errors.Annotate(ioErr, "TCGETS")
			return
		}
		t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
		t.Oflag &^= unix.OPOST
		t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
		t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
		t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD | speed
		t.Ispeed = speed
		t.Ospeed = speed
		t.Cc[unix.VMIN] = 1
		t.Cc[unix.VTIME] = 0
		if ioErr = unix.IoctlSetTermios(int(fd), unix.TCSETSF, t); ioErr != nil {
			ioErr = errors.Annotate(ioErr, "TCSETSF")
		}
	})
	if err != nil {
		return errors.Trace(err)
	}
	return ioErr
}
