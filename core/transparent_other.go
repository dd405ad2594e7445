//go:build !linux

package core

import (
	"errors"
	"net"
)

// SystemResolver is only implemented on Linux.
func SystemResolver() DestinationResolver {
	return ResolverFunc(func(net.Conn) (string, int, error) {
		return "", 0, errors.New("transparent mode is not supported on this platform")
	})
}
