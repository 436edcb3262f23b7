//go:build !unix

package health

import "context"

// DiskSpaceCheck is not supported on this platform.
func DiskSpaceCheck(path string, minFreeBytes int64) Check {
	return func(ctx context.Context) CheckResult {
		return CheckResult{
			Status:  StatusUnknown,
			Message: "disk space check unsupported on this platform",
			Details: map[string]any{"path": path},
		}
	}
}
