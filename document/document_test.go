package document

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocumentEncodeDecodeRoundTrip(t *testing.T) {
	sub := New()
	sub.Set("timeout", 30)

	doc := New()
	doc.Set("_id", int64(1))
	doc.Set("name", "oracle")
	doc.Set("rate", 3.14)
	doc.Set("enabled", true)
	doc.Set("missing", nil)
	doc.Set("params", sub)
	doc.Set("tags", []interface{}{"a", int64(2), true})
	doc.Set("embedding", []float32{0.5, -1, 2.25})

	data, err := doc.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, got.Fields, len(doc.Fields))

	id, ok := got.ID()
	require.True(t, ok)
	require.Equal(t, int64(1), id)

	name, ok := got.Get("name")
	require.True(t, ok)
	require.Equal(t, "oracle", name)

	timeout, ok := got.GetPath([]string{"params", "timeout"})
	require.True(t, ok)
	require.Equal(t, int64(30), timeout)

	tags, ok := got.Get("tags")
	require.True(t, ok)
	require.Equal(t, []interface{}{"a", int64(2), true}, tags)

	vec, ok := got.Get("embedding")
	require.True(t, ok)
	require.Equal(t, []float32{0.5, -1, 2.25}, vec)
}

func TestDocumentSetOverwritesExistingField(t *testing.T) {
	doc := New()
	doc.Set("a", int64(1))
	doc.Set("a", int64(2))

	require.Len(t, doc.Fields, 1)
	v, ok := doc.Get("a")
	require.True(t, ok)
	require.Equal(t, int64(2), v)
}

func TestGetPathMissingIntermediateReturnsFalse(t *testing.T) {
	doc := New()
	doc.Set("a", int64(1))

	_, ok := doc.GetPath([]string{"a", "b"})
	require.False(t, ok)

	_, ok = doc.GetPath([]string{"nope"})
	require.False(t, ok)
}

func TestAssignIDPreservesExisting(t *testing.T) {
	doc := New()
	doc.SetID("caller-supplied")
	counter := NewAutoIncrement(0)

	_, err := AssignID(doc, AutoIDInt64, counter)
	require.NoError(t, err)

	id, ok := doc.ID()
	require.True(t, ok)
	require.Equal(t, "caller-supplied", id)
}

func TestAssignIDInt64AdvancesCounter(t *testing.T) {
	doc := New()
	counter := NewAutoIncrement(5)

	advanced, err := AssignID(doc, AutoIDInt64, counter)
	require.NoError(t, err)
	require.Equal(t, int64(6), advanced)

	id, ok := doc.ID()
	require.True(t, ok)
	require.Equal(t, int64(5), id)
}

func TestAssignIDStringRequiresExplicitID(t *testing.T) {
	doc := New()
	counter := NewAutoIncrement(0)

	_, err := AssignID(doc, AutoIDString, counter)
	require.ErrorIs(t, err, ErrIDRequired)
}

func TestAssignIDObjectIDIsHexString(t *testing.T) {
	doc := New()
	counter := NewAutoIncrement(0)

	_, err := AssignID(doc, AutoIDObjectId, counter)
	require.NoError(t, err)

	id, ok := doc.ID()
	require.True(t, ok)
	s, ok := id.(string)
	require.True(t, ok)
	require.Len(t, s, 24) // 12 bytes hex-encoded
}
