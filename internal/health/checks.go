package health

import (
	"context"
	"os"
)

// DatabaseCheck pings the capture index.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "database unreachable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "database ok"}
	}
}

// FileExistsCheck is unhealthy when path cannot be stat'ed.
func FileExistsCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		info, err := os.Stat(path)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "path not accessible",
				Error:   err.Error(),
				Details: map[string]any{"path": path},
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "path exists",
			Details: map[string]any{"path": path, "is_dir": info.IsDir()},
		}
	}
}

// TaskCheck reports a background task. A stopped task is unhealthy when
// critical and degraded otherwise.
func TaskCheck(running func() bool, critical bool) Check {
	return func(ctx context.Context) CheckResult {
		switch {
		case running():
			return CheckResult{Status: StatusHealthy, Message: "running"}
		case critical:
			return CheckResult{Status: StatusUnhealthy, Message: "not running"}
		default:
			return CheckResult{Status: StatusDegraded, Message: "not running"}
		}
	}
}

// CustomCheck adapts a plain error-returning function.
func CustomCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "check passed"}
	}
}
