//go:build !unix

package sandbox

import (
	"context"
	"errors"
	"time"
)

func runProcess(ctx context.Context, dir string, env []string, script string, timeout time.Duration) (ExecResult, error) {
	return ExecResult{}, errors.New("sandboxed execution is only supported on unix platforms")
}
