package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress(" 127.0.0.1:8091 ")
	require.NoError(t, err)
	assert.Equal(t, Address{Host: "127.0.0.1", Port: 8091}, addr)
	assert.Equal(t, "127.0.0.1:8091", addr.String())

	for _, bad := range []string{"127.0.0.1", ":8091", "host:0", "host:port", "host:70000"} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseAddressList(t *testing.T) {
	addrs, err := ParseAddressList("10.0.0.1:8091, 10.0.0.2:8091,,10.0.0.1:8091")
	require.NoError(t, err)
	assert.Equal(t, []Address{{"10.0.0.1", 8091}, {"10.0.0.2", 8091}}, addrs)
}

func TestStaticResolver(t *testing.T) {
	r, err := NewStaticResolver(
		map[string]string{"my_test_tx_group": "default", "orphan": "missing"},
		map[string]string{"default": "127.0.0.1:8091,127.0.0.1:8092"},
	)
	require.NoError(t, err)

	addrs, err := r.Resolve("my_test_tx_group")
	require.NoError(t, err)
	assert.Len(t, addrs, 2)

	// 返回的是副本
	addrs[0] = Address{}
	again, _ := r.Resolve("my_test_tx_group")
	assert.Equal(t, Address{"127.0.0.1", 8091}, again[0])

	_, err = r.Resolve("unknown")
	assert.ErrorIs(t, err, ErrNoAvailableAddress)
	_, err = r.Resolve("orphan")
	assert.ErrorIs(t, err, ErrNoAvailableAddress)

	_, err = NewStaticResolver(nil, map[string]string{"default": "bad"})
	assert.Error(t, err)
}
