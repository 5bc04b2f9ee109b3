package embeddings

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
)

// ContentHash returns the deterministic hash used for chunk idempotency,
// recall dedup, and embedding cache keys.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// cacheKey namespaces the hash by model so a model switch invalidates.
func cacheKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// zero-length or all-zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
