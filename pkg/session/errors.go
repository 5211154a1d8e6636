package session

import (
	"errors"
	"strings"
)

// InstallHint is printed by entry points when the MLX runtime is missing.
const InstallHint = "Install with: pip install mlx mlx-lm transformers"

// configError signals an unknown variant key. Recoverable by the caller
// with corrected input.
type configError struct {
	key   string
	valid []string
}

func (e configError) Error() string {
	return "unknown model variant: " + e.key + " (options: " + strings.Join(e.valid, ", ") + ")"
}

// IsConfigError reports whether err indicates invalid session configuration.
func IsConfigError(err error) bool {
	var ce configError
	return errors.As(err, &ce)
}

// DependencyError signals that the external MLX runtime is not installed.
// Fatal: the entry point is expected to print InstallHint and exit non-zero.
type DependencyError struct {
	Reason error
}

func (e DependencyError) Error() string { return "mlx runtime unavailable: " + e.Reason.Error() }

func (e DependencyError) Unwrap() error { return e.Reason }

// IsDependencyMissing reports whether err indicates the runtime is absent.
func IsDependencyMissing(err error) bool {
	var de DependencyError
	return errors.As(err, &de)
}

// ErrLoadFailed wraps failures from the delegated model load.
var ErrLoadFailed = errors.New("mlxllm: model load failed")
