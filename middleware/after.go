package middleware

import (
	"github.com/gin-gonic/gin"
)

const afterKey = "middleware.after"

type hooks struct {
	fns []func()
}

// AfterResponse runs the hooks registered with Defer once the handler chain
// has returned and the response has been flushed to the client. Hooks run
// in registration order, also when a handler panics.
func AfterResponse() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := &hooks{}
		c.Set(afterKey, h)
		defer func() {
			if len(h.fns) == 0 {
				return
			}
			if c.Writer.Written() {
				c.Writer.Flush()
			}
			for _, fn := range h.fns {
				fn()
			}
		}()
		c.Next()
	}
}

// Defer registers fn to run after the response. It reports false when
// AfterResponse is not in the chain, in which case fn was not registered.
func Defer(c *gin.Context, fn func()) bool {
	v, ok := c.Get(afterKey)
	if !ok {
		return false
	}
	h := v.(*hooks)
	h.fns = append(h.fns, fn)
	return true
}
