package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysAtEveryDepth(t *testing.T) {
	a := map[string]any{"b": 1, "a": map[string]any{"z": true, "y": "<tag>&"}, "c": []any{3, "x"}}
	b := map[string]any{"c": []any{3, "x"}, "a": map[string]any{"y": "<tag>&", "z": true}, "b": 1}

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)
	require.Equal(t, string(ca), string(cb))
	require.Equal(t, `{"a":{"y":"<tag>&","z":true},"b":1,"c":[3,"x"]}`, string(ca))
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	type payload struct {
		Zeta  float64 `json:"zeta"`
		Alpha string  `json:"alpha"`
		Big   int64   `json:"big"`
	}
	first, err := Canonicalize(payload{Zeta: 1.5, Alpha: "x", Big: 9007199254740993})
	require.NoError(t, err)
	require.Equal(t, `{"alpha":"x","big":9007199254740993,"zeta":1.5}`, string(first))

	second, err := CanonicalizeJSON(first)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestCanonicalizeJSONRejectsGarbage(t *testing.T) {
	_, err := CanonicalizeJSON([]byte("{not json"))
	require.Error(t, err)
}

func TestComputeHashTruncatesToSeconds(t *testing.T) {
	base := HashInput{
		SubjectID:    "subj",
		Timestamp:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Action:       "ADMIN_LOGIN_OK",
		TargetType:   "self",
		TargetID:     "subj",
		MetadataJSON: `{}`,
	}
	h1, err := ComputeHash(base)
	require.NoError(t, err)
	require.Len(t, h1, 64)

	withNanos := base
	withNanos.Timestamp = base.Timestamp.Add(999 * time.Millisecond)
	h2, err := ComputeHash(withNanos)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	otherZone := base
	otherZone.Timestamp = base.Timestamp.In(time.FixedZone("UTC+5", 5*3600))
	h3, err := ComputeHash(otherZone)
	require.NoError(t, err)
	require.Equal(t, h1, h3)

	linked := base
	linked.PrevHash = h1
	h4, err := ComputeHash(linked)
	require.NoError(t, err)
	require.NotEqual(t, h1, h4)
}
