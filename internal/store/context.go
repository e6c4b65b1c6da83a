package store

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/kv"
	"github.com/knowledge-portal/portal/internal/session"
)

// ErrNoProvider is returned when a store is requested outside its provider scope
var ErrNoProvider = errors.New("store: no provider in scope")

type userStoreKey struct{}
type chatStoreKey struct{}

// WithUserStore returns ctx carrying u
func WithUserStore(ctx context.Context, u *UserStore) context.Context {
	return context.WithValue(ctx, userStoreKey{}, u)
}

// WithChatStore returns ctx carrying s
func WithChatStore(ctx context.Context, s *ChatStore) context.Context {
	return context.WithValue(ctx, chatStoreKey{}, s)
}

// UserStoreFrom returns the user store in scope
func UserStoreFrom(ctx context.Context) (*UserStore, error) {
	u, ok := ctx.Value(userStoreKey{}).(*UserStore)
	if !ok || u == nil {
		return nil, ErrNoProvider
	}
	return u, nil
}

// ChatStoreFrom returns the chat store in scope
func ChatStoreFrom(ctx context.Context) (*ChatStore, error) {
	s, ok := ctx.Value(chatStoreKey{}).(*ChatStore)
	if !ok || s == nil {
		return nil, ErrNoProvider
	}
	return s, nil
}

// MustUserStore returns the user store in scope and panics when there is none.
// Reaching the panic means a route was registered without ProvideUserStore.
func MustUserStore(ctx context.Context) *UserStore {
	u, err := UserStoreFrom(ctx)
	if err != nil {
		panic("store: MustUserStore called outside a user store provider; register the route behind store.ProvideUserStore")
	}
	return u
}

// MustChatStore returns the chat store in scope and panics when there is none.
func MustChatStore(ctx context.Context) *ChatStore {
	s, err := ChatStoreFrom(ctx)
	if err != nil {
		panic("store: MustChatStore called outside a chat store provider; register the route behind store.ProvideChatStore")
	}
	return s
}

// UserStoreKey is the KV key of the snapshot for a session
func UserStoreKey(namespace, sessionID string) string {
	return kv.Key(namespace, sessionID)
}

// ProvideUserStore borrows the session's user store from the registry and puts
// it in the request context. It must run after a guard has attached the session.
func ProvideUserStore(reg *UserRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := session.From(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		u := reg.Get(c.Request.Context(), s.ID)
		c.Request = c.Request.WithContext(WithUserStore(c.Request.Context(), u))
		c.Next()
	}
}

// ProvideChatStore borrows the session's chat store from the registry and puts it
// in the request context. It must run after a guard has attached the session.
func ProvideChatStore(reg *ChatRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := session.From(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		c.Request = c.Request.WithContext(WithChatStore(c.Request.Context(), reg.Get(s.ID)))
		c.Next()
	}
}
