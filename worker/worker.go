// Package worker implements the optional pre-fork worker pool. The
// parent process re-executes itself once per configured worker; each
// child binds the shared port with SO_REUSEPORT and runs its own
// acceptor, sharing no state with its siblings.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Variables

// IDEnv carries the worker number into re-executed children. An empty
// value marks the supervising parent.
const IDEnv = "IMAPROXY_WORKER"

// Functions

// ID returns the worker id of this process, or "" for the parent.
func ID() string {
	return os.Getenv(IDEnv)
}

// Supervise spawns count children and restarts crashed ones until the
// crash budget is exhausted, then returns an error so the process can
// exit nonzero and an external supervisor takes over. A canceled
// context stops all children and returns nil.
func Supervise(ctx context.Context, logger log.Logger, count int, crashBudget int) error {

	type exited struct {
		id  int
		err error
	}

	exits := make(chan exited, count)
	procs := make(map[int]*os.Process)

	spawn := func(id int) error {

		cmd := exec.Command(os.Args[0], os.Args[1:]...)
		cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", IDEnv, id))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			return errors.Wrapf(err, "failed to start worker %d", id)
		}

		procs[id] = cmd.Process

		go func() {
			exits <- exited{id: id, err: cmd.Wait()}
		}()

		return nil
	}

	for id := 1; id <= count; id++ {
		if err := spawn(id); err != nil {
			return err
		}
	}

	level.Info(logger).Log("msg", "worker pool running", "workers", count)

	crashes := 0

	for {
		select {

		case <-ctx.Done():
			for _, p := range procs {
				p.Signal(syscall.SIGTERM)
			}
			for range procs {
				<-exits
			}
			return nil

		case ex := <-exits:

			if ex.err == nil {
				// Clean exit, e.g. during shutdown. Do not respawn.
				delete(procs, ex.id)
				continue
			}

			crashes++
			level.Warn(logger).Log(
				"msg", "worker crashed",
				"worker", ex.id,
				"crashes", crashes,
				"err", ex.err,
			)

			if crashes > crashBudget {
				for _, p := range procs {
					p.Signal(syscall.SIGTERM)
				}
				return errors.Errorf("crash budget of %d exceeded", crashBudget)
			}

			if err := spawn(ex.id); err != nil {
				return err
			}
		}
	}
}

// Listen binds a TCP listener on port. With reusePort every worker of
// a pool binds the same port and the kernel spreads accepted
// connections across them.
func Listen(port int, reusePort bool) (net.Listener, error) {

	lc := net.ListenConfig{}

	if reusePort {
		lc.Control = func(network, address string, c syscall.RawConn) error {

			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		}
	}

	listener, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on port %d", port)
	}

	return listener, nil
}

// DropPrivileges switches to the configured unprivileged user after
// the listening socket is bound. Group first, it cannot be changed
// anymore once the UID is dropped.
func DropPrivileges(uid int, gid int) error {

	if gid > 0 {
		if err := unix.Setgid(gid); err != nil {
			return errors.Wrapf(err, "failed to setgid %d", gid)
		}
	}

	if uid > 0 {
		if err := unix.Setuid(uid); err != nil {
			return errors.Wrapf(err, "failed to setuid %d", uid)
		}
	}

	return nil
}
