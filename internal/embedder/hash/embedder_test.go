package hash_test

import (
	"context"
	"math"
	"testing"

	"github.com/HendryAvila/recall/internal/embedder/hash"
	"github.com/HendryAvila/recall/internal/vectorindex"
)

func embed(t *testing.T, e *hash.Embedder, text string) []float32 {
	t.Helper()
	vec, err := e.Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("Embed(%q): %v", text, err)
	}
	return vec
}

func TestEmbed_DeterministicUnitVector(t *testing.T) {
	e := hash.NewEmbedder()
	a := embed(t, e, "handleLogin validates credentials")
	b := embed(t, e, "handleLogin validates credentials")

	if len(a) != e.Dimensions() {
		t.Fatalf("len = %d, want %d", len(a), e.Dimensions())
	}
	var norm float64
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embedding is not deterministic")
		}
		norm += float64(a[i]) * float64(a[i])
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("norm^2 = %v, want 1", norm)
	}
}

func TestEmbed_RelatedTextIsCloser(t *testing.T) {
	e := hash.NewEmbedder()
	q := embed(t, e, "handleLogin")
	near := embed(t, e, "function handleLogin in src/auth.ts")
	far := embed(t, e, "class InvoiceRenderer in billing/pdf.py")

	if vectorindex.Cosine(q, near) <= vectorindex.Cosine(q, far) {
		t.Errorf("cos(near) = %v should exceed cos(far) = %v",
			vectorindex.Cosine(q, near), vectorindex.Cosine(q, far))
	}
}

func TestEmbed_InflectionsShareFeatures(t *testing.T) {
	e := hash.NewEmbedder()
	a := embed(t, e, "use 4 spaces for indentation")
	b := embed(t, e, "Use 4-space indentation")
	if c := vectorindex.Cosine(a, b); c < 0.9 {
		t.Errorf("cosine = %v, want >= 0.9", c)
	}
}

func TestEmbed_EmptyTextIsZero(t *testing.T) {
	e := hash.NewEmbedder()
	for _, v := range embed(t, e, "the of and") {
		if v != 0 {
			t.Fatal("stop-word-only text should embed to the zero vector")
		}
	}
}

func TestVersion_IncludesDimensions(t *testing.T) {
	if got := hash.NewEmbedder().Version(); got != "hash:fh1:256" {
		t.Errorf("Version() = %q, want %q", got, "hash:fh1:256")
	}
}
