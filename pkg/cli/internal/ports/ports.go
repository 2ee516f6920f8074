// Package ports provides listen address checking.
package ports

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrInUse is returned when the address is already bound.
var ErrInUse = errors.New("address already in use")

// Check verifies addr can be bound.
func Check(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrInUse, addr)
		}
		return err
	}
	_ = ln.Close()
	return nil
}
