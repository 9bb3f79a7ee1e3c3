package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAppConfigBlobInference(t *testing.T) {
	entries, err := DecodeAppConfigBlob([]byte(`{"a": true, "b": 42, "c": 3.5, "d": "x"}`))
	require.NoError(t, err)
	assert.Equal(t, []AppConfigEntry{
		BoolEntry("a", true),
		IntEntry("b", 42),
		FloatEntry("c", 3.5),
		StringEntry("d", "x"),
	}, entries)
}

func TestDecodeAppConfigBlobKeepsSourceOrder(t *testing.T) {
	entries, err := DecodeAppConfigBlob([]byte(`{"zeta": 1, "alpha": 2, "mid": 3}`))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "zeta", entries[0].Key)
	assert.Equal(t, "alpha", entries[1].Key)
	assert.Equal(t, "mid", entries[2].Key)
}

func TestDecodeAppConfigBlobNumbers(t *testing.T) {
	tests := []struct {
		literal string
		kind    EntryKind
	}{
		{"42", KindInteger},
		{"-7", KindInteger},
		{"0", KindInteger},
		{"42.0", KindFloat},
		{"1e3", KindFloat},
		{"2.5E-1", KindFloat},
		{"99999999999999999999", KindFloat},
	}
	for _, tt := range tests {
		entries, err := DecodeAppConfigBlob([]byte(`{"n":` + tt.literal + `}`))
		require.NoError(t, err, tt.literal)
		require.Len(t, entries, 1)
		assert.Equal(t, tt.kind, entries[0].Kind, tt.literal)
	}
}

func TestDecodeAppConfigBlobEscapes(t *testing.T) {
	entries, err := DecodeAppConfigBlob([]byte(`{"labelé": "line\nnext"}`))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "labelé", entries[0].Key)
	assert.Equal(t, "line\nnext", entries[0].Str)
}

func TestDecodeAppConfigBlobErrors(t *testing.T) {
	for _, blob := range []string{
		``,
		`[1, 2]`,
		`"str"`,
		`{"a": {"nested": 1}}`,
		`{"a": [1]}`,
		`{"a": null}`,
		`{"a": `,
		`{"a":1} trailing`,
		`{"a":1}{"b":2}`,
		`{"a":1,}`,
	} {
		_, err := DecodeAppConfigBlob([]byte(blob))
		var de *DecodeError
		assert.ErrorAs(t, err, &de, "blob %q", blob)
	}
}

func TestDecodeAppConfigBlobEmptyObject(t *testing.T) {
	entries, err := DecodeAppConfigBlob([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEncodeAppConfigBlob(t *testing.T) {
	in := []AppConfigEntry{
		StringEntry("name", `say "hi"`),
		IntEntry("count", -3),
		FloatEntry("ratio", 2),
		FloatEntry("tiny", 1e-9),
		BoolEntry("on", false),
	}
	blob, err := EncodeAppConfigBlob(in)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"say \"hi\"","count":-3,"ratio":2.0,"tiny":1e-09,"on":false}`, string(blob))

	out, err := DecodeAppConfigBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncodeAppConfigBlobRejects(t *testing.T) {
	for _, e := range []AppConfigEntry{
		FloatEntry("nan", math.NaN()),
		FloatEntry("inf", math.Inf(1)),
		IntEntry("", 1),
		{Key: "weird", Kind: EntryKind(42)},
	} {
		_, err := EncodeAppConfigBlob([]AppConfigEntry{IntEntry("ok", 1), e})
		var se *SerializationError
		assert.ErrorAs(t, err, &se, "entry %q", e.Key)
	}
}

func TestAppConfigEntryValue(t *testing.T) {
	assert.Equal(t, true, BoolEntry("a", true).Value())
	assert.Equal(t, int64(5), IntEntry("a", 5).Value())
	assert.Equal(t, 1.5, FloatEntry("a", 1.5).Value())
	assert.Equal(t, "s", StringEntry("a", "s").Value())
}
