package session

import "github.com/gin-gonic/gin"

// ContextKey is the gin context key holding the authorized *Session
const ContextKey = "session"

// Set attaches s to the request
func Set(c *gin.Context, s *Session) {
	c.Set(ContextKey, s)
}

// From returns the session attached by the guard or the session middleware
func From(c *gin.Context) (*Session, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Session)
	return s, ok && s != nil
}
