package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyValue(t *testing.T) {
	k, v, ok := KeyValue("Accept: application/json")
	assert.True(t, ok)
	assert.Equal(t, "Accept", k)
	assert.Equal(t, " application/json", v)

	k, v, ok = KeyValue("a=b", ':', '=')
	assert.True(t, ok)
	assert.Equal(t, "a", k)
	assert.Equal(t, "b", v)

	_, _, ok = KeyValue("nodelim")
	assert.False(t, ok)
}

func TestHeaders(t *testing.T) {
	h, err := Headers([]string{"Accept: application/json", "X-Trace: a", "X-Trace: b"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", h.Get("Accept"))
	assert.Equal(t, []string{"a", "b"}, h.Values("X-Trace"))

	_, err = Headers([]string{"broken"})
	assert.Error(t, err)

	_, err = Headers([]string{": empty name"})
	assert.Error(t, err)
}
