package apmrouter

import (
	"errors"

	"github.com/pior/apmrouter/internal"
	"github.com/zeebo/xxh3"
)

var ErrNoServers = errors.New("apmrouter: no servers available")

// Servers provides the router addresses a TCPSender spreads batches over.
type Servers interface {
	List() []string
}

// StaticServers is a fixed list of router addresses.
type StaticServers []string

func NewStaticServers(addrs ...string) StaticServers {
	return StaticServers(addrs)
}

func (s StaticServers) List() []string {
	return s
}

// ServerSelector picks the index of the router for a routing key.
type ServerSelector func(key string, serverCount int) int

// DefaultServerSelector hashes the key with xxh3 and maps it with Jump Hash,
// so adding a router moves as few keys as possible.
func DefaultServerSelector(key string, serverCount int) int {
	return internal.JumpHash(xxh3.HashString(key), serverCount)
}

func selectServer(selector ServerSelector, servers []string, key string) (string, error) {
	switch len(servers) {
	case 0:
		return "", ErrNoServers
	case 1:
		return servers[0], nil
	}
	i := selector(key, len(servers))
	if i < 0 || i >= len(servers) {
		i = 0
	}
	return servers[i], nil
}
