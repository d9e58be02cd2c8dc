//go:build !linux

package prefetch

import (
	"errors"
	"os"
)

func dupArena(int) (*os.File, error) {
	return nil, errors.New("prefetch: shared arena transfer requires linux")
}
