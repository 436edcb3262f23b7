package security

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	PermSecretFile os.FileMode = 0600
	PermSecretDir  os.FileMode = 0700
	// PermPublicFile is for captures, signatures and public keys.
	PermPublicFile os.FileMode = 0644
)

// WriteSecureFile writes data to path through a synced temporary file in
// the same directory and renames it into place, so readers see either the
// old contents or all of data. Missing parent directories are created
// with PermSecretDir.
func WriteSecureFile(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, PermSecretDir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
