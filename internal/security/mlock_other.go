//go:build !unix

package security

import "errors"

func pin([]byte) error {
	return errors.New("memory locking unsupported")
}

func unpin([]byte) {}

func DisableCoreDumps() error {
	return nil
}
