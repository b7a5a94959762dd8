//go:build !linux

package supervisor

import (
	"errors"
	"os"
	"syscall"
)

func detached() *syscall.SysProcAttr {
	return nil
}

func killGroup(p *os.Process) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
