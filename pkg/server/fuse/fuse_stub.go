//go:build !linux

package fuse

import (
	"context"
	"fmt"
)

// Mount is only available on Linux builds.
func Mount(ctx context.Context, col Collection, mountpoint string, opts Options) error {
	return fmt.Errorf("fuse mount not supported in this build")
}
