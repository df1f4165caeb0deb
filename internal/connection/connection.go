package connection

import (
	"slices"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/loykin/mongovisr/internal/driver"
)

// Connection is the handle published to the host after a successful handshake.
// Status and collection lookups are safe for concurrent readers; only the
// Manager mutates it.
type Connection struct {
	conn  driver.Conn
	gen   uint64
	cache *Cache

	mu      sync.RWMutex
	status  string
	version string
	closed  bool
}

func newConnection(conn driver.Conn, gen uint64) *Connection {
	return &Connection{conn: conn, gen: gen, cache: NewCache()}
}

// Status is "MongoDB v<version>" while healthy and "" while degraded.
func (c *Connection) Status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Version is the server version reported by the last successful handshake.
func (c *Connection) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func (c *Connection) markReady(version string) {
	c.mu.Lock()
	c.version = version
	c.status = "MongoDB v" + version
	c.mu.Unlock()
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.status = ""
	c.closed = true
	c.mu.Unlock()
}

// Closed reports whether the driver connection behind c has been released.
func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Connection) markDegraded() {
	c.mu.Lock()
	c.status = ""
	c.mu.Unlock()
}

// GetCollection returns the cached handle for name, resolving it on first use.
func (c *Connection) GetCollection(name string) driver.Collection {
	return c.cache.Get(name, c.conn.Collection)
}

// ObjectID returns a new client-generated identifier.
func (c *Connection) ObjectID() primitive.ObjectID { return primitive.NewObjectID() }

// ObjectIDFromHex parses a 24 character hex identifier.
func (c *Connection) ObjectIDFromHex(s string) (primitive.ObjectID, error) {
	return primitive.ObjectIDFromHex(s)
}

// Driver exposes the underlying driver connection.
func (c *Connection) Driver() driver.Conn { return c.conn }

// Cache memoizes collection handles by name.
type Cache struct {
	mu    sync.Mutex
	items map[string]driver.Collection
}

func NewCache() *Cache { return &Cache{items: make(map[string]driver.Collection)} }

// Get returns the stored handle for name or stores the result of resolve.
func (c *Cache) Get(name string, resolve func(string) driver.Collection) driver.Collection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.items[name]; ok {
		return h
	}
	h := resolve(name)
	c.items[name] = h
	return h
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Names lists the cached collection names in sorted order.
func (c *Cache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for n := range c.items {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (c *Cache) Clear() {
	c.mu.Lock()
	clear(c.items)
	c.mu.Unlock()
}

// CachedCollections lists the names currently held by the connection's cache.
func (c *Connection) CachedCollections() []string { return c.cache.Names() }
