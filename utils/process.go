package utils

import (
	"syscall"
	"time"
)

// SignalGroup sends sig to every process in the process group led by pgid.
func SignalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	return syscall.Kill(-pgid, sig)
}

// TerminateGroup sends SIGTERM to the process group, waits up to gracePeriod
// for exited to close, then falls back to SIGKILL and waits again.
// exited must be closed by the caller once the group leader has been reaped.
func TerminateGroup(pgid int, gracePeriod time.Duration, exited <-chan struct{}) {
	_ = SignalGroup(pgid, syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(gracePeriod):
	}
	_ = SignalGroup(pgid, syscall.SIGKILL)
	<-exited
}
