package hook

import (
	"strconv"
	"time"

	"github.com/joeycumines/go-fiberloop/fiber"
	"github.com/joeycumines/go-fiberloop/rtconfig"
)

// WireConfig ties the runtime's tunable defaults to c: "coroutine.stack_size"
// drives fiber.SetDefaultStackSize, and "tcp.connect.timeout" (milliseconds)
// becomes h's default Connect timeout (see ConnectDefault). Both are applied
// immediately against whatever c currently holds and again on every
// subsequent c.Load that changes either key.
func (h *Hooks) WireConfig(c *rtconfig.Config) {
	stackSize := c.Int64("coroutine.stack_size", int64(fiber.DefaultStackSize()))
	fiber.SetDefaultStackSize(int(stackSize))
	c.Watch("coroutine.stack_size", strconv.FormatInt(stackSize, 10), func(_, newVal string) {
		if n, err := strconv.ParseInt(newVal, 10, 64); err == nil {
			fiber.SetDefaultStackSize(int(n))
		}
	})

	timeoutMs := c.Int64("tcp.connect.timeout", int64(h.ConnectTimeout()/time.Millisecond))
	h.SetConnectTimeout(time.Duration(timeoutMs) * time.Millisecond)
	c.Watch("tcp.connect.timeout", strconv.FormatInt(timeoutMs, 10), func(_, newVal string) {
		if n, err := strconv.ParseInt(newVal, 10, 64); err == nil && n >= 0 {
			h.SetConnectTimeout(time.Duration(n) * time.Millisecond)
		}
	})
}
