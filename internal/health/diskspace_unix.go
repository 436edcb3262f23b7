//go:build unix

package health

import (
	"context"

	"golang.org/x/sys/unix"
)

// DiskSpaceCheck reports degraded when the filesystem holding path has
// less than minFreeBytes available.
func DiskSpaceCheck(path string, minFreeBytes int64) Check {
	return func(ctx context.Context) CheckResult {
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return CheckResult{
				Status:  StatusUnknown,
				Message: "statfs failed",
				Error:   err.Error(),
			}
		}

		free := int64(st.Bavail) * int64(st.Bsize)
		details := map[string]any{
			"path":           path,
			"free_bytes":     free,
			"min_free_bytes": minFreeBytes,
		}
		if free < minFreeBytes {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "low disk space",
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "disk space ok",
			Details: details,
		}
	}
}
