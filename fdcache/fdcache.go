// Package fdcache implements the runtime's per-file-descriptor
// metadata cache: a grow-only table, indexed by fd,
// recording whether a descriptor is a socket, its user- and
// system-level non-blocking flags, and its configured recv/send
// timeouts. The syscall hook layer consults this table to decide
// whether a would-block return should be treated as "genuinely
// non-blocking, return to caller" or "cooperatively wait".
package fdcache

import (
	"sync"
	"time"
)

// Direction distinguishes a read-side from a write-side timeout.
type Direction int

const (
	Recv Direction = iota
	Send
)

// NoTimeout is the sentinel stored for "no timeout configured".
const NoTimeout time.Duration = -1

// Ctx is one fd's cached metadata.
type Ctx struct {
	mu sync.Mutex

	fd          int
	isSocket    bool
	sysNonblock bool
	userNonblock bool
	closed      bool
	recvTimeout time.Duration
	sendTimeout time.Duration
}

// Fd returns the descriptor this context describes.
func (c *Ctx) Fd() int { return c.fd }

// IsSocket reports whether this fd was created as a socket.
func (c *Ctx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// SetSysNonblock records whether O_NONBLOCK is set on the underlying
// fd at the system level (typically forced on for every socket by the
// hook layer, independent of what the caller asked for).
func (c *Ctx) SetSysNonblock(v bool) {
	c.mu.Lock()
	c.sysNonblock = v
	c.mu.Unlock()
}

// SysNonblock reports the system-level O_NONBLOCK flag.
func (c *Ctx) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetUserNonblock records whether the caller explicitly asked for
// non-blocking semantics (via fcntl/SetNonblock), which the hook layer
// must honor even though the fd is always non-blocking at the system
// level.
func (c *Ctx) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// UserNonblock reports the caller-requested non-blocking flag.
func (c *Ctx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetClosed marks the fd as closed; subsequent hook operations on it
// should fail fast rather than attempt cooperative waiting.
func (c *Ctx) SetClosed(v bool) {
	c.mu.Lock()
	c.closed = v
	c.mu.Unlock()
}

// Closed reports whether SetClosed(true) was called.
func (c *Ctx) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetTimeout configures the recv or send timeout, or fdcache.NoTimeout
// to clear it.
func (c *Ctx) SetTimeout(dir Direction, d time.Duration) {
	c.mu.Lock()
	if dir == Send {
		c.sendTimeout = d
	} else {
		c.recvTimeout = d
	}
	c.mu.Unlock()
}

// Timeout returns the configured recv or send timeout, or NoTimeout.
func (c *Ctx) Timeout(dir Direction) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == Send {
		return c.sendTimeout
	}
	return c.recvTimeout
}

// Cache is a grow-only, fd-indexed table of Ctx records.
type Cache struct {
	mu   sync.RWMutex
	ctxs []*Ctx
}

// New constructs an empty cache.
func New() *Cache { return &Cache{} }

// Get returns fd's context, or nil if none was ever created.
func (c *Cache) Get(fd int) *Ctx {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if fd < 0 || fd >= len(c.ctxs) {
		return nil
	}
	return c.ctxs[fd]
}

// GetOrCreate returns fd's context, creating one (with fresh default
// timeouts and the given socket flag) on first touch. Called from
// socket()/accept() and lazily from any hook function that notices an
// untracked fd.
func (c *Cache) GetOrCreate(fd int, isSocket bool) *Ctx {
	if fd < 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if fd >= len(c.ctxs) {
		// append grows geometrically (unlike a make(..., fd+1) reslice),
		// amortizing the common case of monotonically increasing fds.
		c.ctxs = append(c.ctxs, make([]*Ctx, fd+1-len(c.ctxs))...)
	}
	if c.ctxs[fd] == nil {
		c.ctxs[fd] = &Ctx{
			fd:          fd,
			isSocket:    isSocket,
			sysNonblock: isSocket,
			recvTimeout: NoTimeout,
			sendTimeout: NoTimeout,
		}
	}
	return c.ctxs[fd]
}

// Delete removes fd's context, e.g. once the fd has been fully closed.
func (c *Cache) Delete(fd int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fd >= 0 && fd < len(c.ctxs) {
		c.ctxs[fd] = nil
	}
}
