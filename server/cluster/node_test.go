package cluster

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeMetadata(t *testing.T) {
	t.Run("encode decode", func(t *testing.T) {
		m := &NodeMetadata{
			AdminAddr: "10.26.104.56:8002",
		}
		b, err := m.Encode()
		require.NoError(t, err)

		decoded, err := DecodeNodeMetadata(b)
		require.NoError(t, err)
		assert.Equal(t, m, decoded)
	})

	t.Run("empty", func(t *testing.T) {
		decoded, err := DecodeNodeMetadata(nil)
		require.NoError(t, err)
		assert.Equal(t, &NodeMetadata{}, decoded)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := DecodeNodeMetadata([]byte("{"))
		assert.Error(t, err)
	})
}

func TestGenerateNodeID(t *testing.T) {
	id := GenerateNodeID("my-node-")
	assert.True(t, strings.HasPrefix(id, "my-node-"))
	assert.Len(t, id, len("my-node-")+12)

	assert.NotEqual(t, id, GenerateNodeID("my-node-"))
}
