//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// edgeWaitMS bounds each epoll_wait so cancellation is noticed promptly.
const edgeWaitMS = 500

// WatchEdges waits for sysfs edge interrupts on the value files of pins.
//
// sysfs signals an edge as EPOLLPRI|EPOLLERR on the value file; the file must
// be read from offset 0 to re-arm it.
func (d *SysfsDriver) WatchEdges(ctx context.Context, pins []int, notify func(pin int)) error {
	if len(pins) == 0 {
		return errors.New("no pins to watch")
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	type watched struct {
		pin  int
		file *os.File
	}
	byFd := make(map[int32]watched, len(pins))
	defer func() {
		for _, w := range byFd {
			_ = w.file.Close()
		}
	}()

	buf := make([]byte, 8)
	for _, pin := range pins {
		f, err := os.Open(d.valuePath(pin))
		if err != nil {
			return fmt.Errorf("open value of pin %d: %w", pin, err)
		}
		fd := int(f.Fd())
		byFd[int32(fd)] = watched{pin: pin, file: f}

		// Consume the current value so only new edges fire.
		_, _ = f.ReadAt(buf, 0)

		event := unix.EpollEvent{
			Events: unix.EPOLLPRI | unix.EPOLLERR,
			Fd:     int32(fd),
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			return fmt.Errorf("epoll_ctl_add pin %d: %w", pin, err)
		}
	}

	events := make([]unix.EpollEvent, len(pins))
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := unix.EpollWait(epfd, events, edgeWaitMS)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			w, ok := byFd[events[i].Fd]
			if !ok {
				continue
			}
			if _, err := w.file.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("re-arm pin %d: %w", w.pin, err)
			}
			notify(w.pin)
		}
	}
}
