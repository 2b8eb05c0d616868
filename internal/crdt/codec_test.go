package crdt_test

import (
	"testing"

	"github.com/koopa0/system-design/14-collaborative-editing/internal/crdt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStateVectorCodec 狀態向量編解碼往返
func TestStateVectorCodec(t *testing.T) {
	sv := map[string]uint64{"alice": 42, "bob": 7, "carol": 1}

	decoded, err := crdt.DecodeStateVector(crdt.EncodeStateVector(sv))
	require.NoError(t, err)
	assert.Equal(t, sv, decoded)
}

// TestStateVectorRejectsUpdateBytes magic byte 防止更新與向量混用
func TestStateVectorRejectsUpdateBytes(t *testing.T) {
	doc := crdt.NewDocument("note-1")
	update := doc.SetBlock("alice", "b1", 1.0, "x")

	_, err := crdt.DecodeStateVector(update)
	require.ErrorIs(t, err, crdt.ErrMalformedUpdate)

	_, err = crdt.DecodeUpdate(crdt.EncodeStateVector(map[string]uint64{"a": 1}))
	require.ErrorIs(t, err, crdt.ErrMalformedUpdate)
}

// TestEmptyStateVector 空向量是合法的（新客戶端的初始狀態）
func TestEmptyStateVector(t *testing.T) {
	decoded, err := crdt.DecodeStateVector(crdt.EncodeStateVector(nil))
	require.NoError(t, err)
	assert.Empty(t, decoded)
}
