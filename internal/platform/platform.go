// Package platform wraps the OS-specific file hints used around a copy.
// Every helper is advisory: failures are swallowed and the copy proceeds.
package platform

import (
	"errors"
	"os"
	"syscall"
)

// IsNoSpace reports whether err means the destination filesystem is full.
func IsNoSpace(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	return errors.Is(err, syscall.ENOSPC)
}
