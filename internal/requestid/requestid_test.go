package requestid

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx, id := New(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	id := FromContext(context.Background())
	assert.NotEmpty(t, id)
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-123")
	assert.Equal(t, "test-123", FromContext(ctx))
}

func TestInject(t *testing.T) {
	ctx := WithRequestID(context.Background(), "turn-7")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://example.invalid/chat/new", nil)
	require.NoError(t, err)

	id := Inject(req)
	assert.Equal(t, "turn-7", id)
	assert.Equal(t, "turn-7", req.Header.Get(Header))
}

func TestOrNew(t *testing.T) {
	assert.Equal(t, "abc", OrNew("abc"))
	assert.NotEmpty(t, OrNew(""))
}
