package wire

import (
	"slices"
	"sync"
)

// Catalog assigns tokens to identities. It is safe for concurrent use and
// implements Resolver.
type Catalog struct {
	mu      sync.RWMutex
	limit   int
	byFQN   map[string]int64
	byToken []Identity
}

// NewCatalog returns an empty catalog without a size limit. Tokens are
// assigned from zero.
func NewCatalog() *Catalog {
	return &Catalog{byFQN: make(map[string]int64)}
}

// NewBoundedCatalog returns an empty catalog holding at most limit
// identities. A limit of zero or less means no limit.
func NewBoundedCatalog(limit int) *Catalog {
	c := NewCatalog()
	c.limit = max(limit, 0)
	return c
}

// Register returns the token for id, assigning the next one if the identity
// has not been seen. Identities are keyed by FQN and type. Once a bounded
// catalog is full, new identities fail with ErrCatalogFull while known ones
// still return their token.
func (c *Catalog) Register(id Identity) (int64, error) {
	if err := id.Validate(); err != nil {
		return NoToken, err
	}
	key := catalogKey(id)

	c.mu.RLock()
	token, ok := c.byFQN[key]
	c.mu.RUnlock()
	if ok {
		return token, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if token, ok := c.byFQN[key]; ok {
		return token, nil
	}

	if c.limit > 0 && len(c.byToken) >= c.limit {
		return NoToken, ErrCatalogFull
	}

	token = int64(len(c.byToken))
	id.Namespace = slices.Clone(id.Namespace)
	c.byToken = append(c.byToken, id)
	c.byFQN[key] = token
	return token, nil
}

// Resolve implements Resolver. The returned identity owns its namespace.
func (c *Catalog) Resolve(token int64) (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if token < 0 || token >= int64(len(c.byToken)) {
		return Identity{}, false
	}
	id := c.byToken[token]
	id.Namespace = slices.Clone(id.Namespace)
	return id, true
}

// Token returns the token already assigned to id, if any.
func (c *Catalog) Token(id Identity) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	token, ok := c.byFQN[catalogKey(id)]
	return token, ok
}

// Len returns the number of registered identities.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byToken)
}

func catalogKey(id Identity) string {
	return id.Type.String() + " " + id.FQN()
}
