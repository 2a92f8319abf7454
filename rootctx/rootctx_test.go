package rootctx

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithXID(t *testing.T) {
	ctx := context.Background()
	assert.False(t, InGlobalTransaction(ctx))

	ctx = WithXID(ctx, "127.0.0.1:8091:2000042")
	assert.True(t, InGlobalTransaction(ctx))
	assert.Equal(t, "127.0.0.1:8091:2000042", XID(ctx))

	assert.Equal(t, "", XID(Unbind(ctx)))
	assert.False(t, InGlobalTransaction(Unbind(ctx)))
}

func TestWithXIDIgnoresInvalid(t *testing.T) {
	ctx := WithXID(context.Background(), "  ")
	assert.False(t, InGlobalTransaction(ctx))

	ctx = WithXID(context.Background(), strings.Repeat("x", MaxXIDLength+1))
	assert.False(t, InGlobalTransaction(ctx))

	ctx = WithXID(context.Background(), "bad\x01xid")
	assert.False(t, InGlobalTransaction(ctx))
}

func TestNilContext(t *testing.T) {
	assert.Equal(t, "", XID(nil))
	ctx := WithXID(nil, "x1")
	assert.Equal(t, "x1", XID(ctx))
}
