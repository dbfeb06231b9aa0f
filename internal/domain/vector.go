package domain

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EmbeddingDim is the fixed dimensionality of stored embedding vectors.
const EmbeddingDim = 384

// Vector is a pgvector-backed embedding column. It serializes to the
// textual vector format ("[0.1,0.2,...]") that the pgvector extension
// accepts and emits.
type Vector []float32

func (Vector) GormDataType() string { return fmt.Sprintf("vector(%d)", EmbeddingDim) }

func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String(), nil
}

func (v *Vector) Scan(src any) error {
	if src == nil {
		*v = nil
		return nil
	}
	var raw string
	switch t := src.(type) {
	case string:
		raw = t
	case []byte:
		raw = string(t)
	default:
		return fmt.Errorf("vector: unsupported scan type %T", src)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*v = nil
		return nil
	}
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return fmt.Errorf("vector: malformed literal %q", truncateForErr(raw))
	}
	body := strings.TrimSpace(raw[1 : len(raw)-1])
	if body == "" {
		*v = Vector{}
		return nil
	}
	parts := strings.Split(body, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("vector: malformed component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}

// CosineSimilarity computes the cosine similarity between two vectors. It
// returns an error on dimension mismatch or zero-magnitude input.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector: cosine similarity dimension mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("vector: cosine similarity on empty vectors")
	}
	var dot, na2, nb2 float64
	for i := range a {
		va := float64(a[i])
		vb := float64(b[i])
		dot += va * vb
		na2 += va * va
		nb2 += vb * vb
	}
	if na2 == 0 || nb2 == 0 {
		return 0, fmt.Errorf("vector: cosine similarity with zero-magnitude vector")
	}
	return dot / (math.Sqrt(na2) * math.Sqrt(nb2)), nil
}

func truncateForErr(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
