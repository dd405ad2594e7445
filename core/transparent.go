package core

import "net"

// DestinationResolver recovers the address a redirected connection was
// originally sent to.
type DestinationResolver interface {
	OriginalDestination(c net.Conn) (host string, port int, err error)
}

// StaticResolver answers every lookup with the same address.
type StaticResolver struct {
	Host string
	Port int
}

func (r StaticResolver) OriginalDestination(net.Conn) (string, int, error) {
	return r.Host, r.Port, nil
}

// ResolverFunc adapts a function to DestinationResolver.
type ResolverFunc func(c net.Conn) (string, int, error)

func (f ResolverFunc) OriginalDestination(c net.Conn) (string, int, error) {
	return f(c)
}
