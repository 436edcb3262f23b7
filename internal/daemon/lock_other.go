//go:build !unix

package daemon

import (
	"errors"
	"os"
)

var errLocked = errors.New("daemon: pid file locked")

func tryLock(*os.File, bool) error {
	return errors.ErrUnsupported
}
