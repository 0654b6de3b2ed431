package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_EncodeDecode(t *testing.T) {
	at := time.Date(2026, 4, 2, 8, 30, 0, 123, time.UTC)
	c := Cursor{CreatedAt: at, ID: "3f0c8a4e-9b1d-4d6a-8c1e-2a7b5e9f0d11"}

	got, err := Decode(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, at, got.CreatedAt)
	assert.Equal(t, c.ID, got.ID)
}

func TestDecode_EmptyIsFirstPage(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Rejects(t *testing.T) {
	for _, s := range []string{"%%%", "bm9kb3Q", "ISEuYWJj", "MTIzLg"} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursor_After(t *testing.T) {
	at := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: at, ID: "m"}

	assert.True(t, c.After(at.Add(-time.Second), "z"))
	assert.False(t, c.After(at.Add(time.Second), "a"))
	assert.True(t, c.After(at, "a"))
	assert.False(t, c.After(at, "m"))

	var first *Cursor
	assert.True(t, first.After(at, "anything"))
}

func TestParseLimit(t *testing.T) {
	n, err := ParseLimit("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, n)

	n, err = ParseLimit("500")
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, n)

	_, err = ParseLimit("0")
	assert.Error(t, err)
	_, err = ParseLimit("ten")
	assert.Error(t, err)
}

func TestTrim(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) Cursor { return Cursor{CreatedAt: at, ID: s} }

	page, next := Trim([]string{"d", "c", "b"}, 3, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)

	page, next = Trim([]string{"d", "c", "b", "a"}, 3, key)
	assert.Equal(t, []string{"d", "c", "b"}, page)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
}
