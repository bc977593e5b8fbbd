// Package requestid carries the X-Request-ID of a chat submission through
// context so client and backend logs can be correlated per turn.
package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the HTTP header the id travels in.
const Header = "X-Request-ID"

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// Inject sets the header on an outgoing request and returns the id used.
func Inject(req *http.Request) string {
	id := FromContext(req.Context())
	req.Header.Set(Header, id)
	return id
}

// OrNew returns incoming if it is non-empty, otherwise a fresh id.
func OrNew(incoming string) string {
	if incoming != "" {
		return incoming
	}
	return uuid.New().String()
}
