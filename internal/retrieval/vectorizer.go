package retrieval

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sashabaranov/go-openai"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

// DefaultDimensions is the vector length produced by HashVectorizer when
// Dim is unset.
const DefaultDimensions = 128

// Vectorizer maps text to a fixed-length vector.
type Vectorizer interface {
	Vectorize(ctx context.Context, text string) ([]float32, error)
}

// HashVectorizer derives a pseudo-random vector from a BLAKE3 digest of the
// text. Equal inputs give bit-identical vectors; the result carries no
// semantic meaning beyond exact-text equality.
type HashVectorizer struct {
	Dim int
}

func (h HashVectorizer) Vectorize(_ context.Context, text string) ([]float32, error) {
	dim := h.Dim
	if dim <= 0 {
		dim = DefaultDimensions
	}
	sum := blake3.Sum256([]byte(text))
	rng := rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(sum[0:8]),
		binary.LittleEndian.Uint64(sum[8:16]),
	))
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.Float64()*2 - 1)
	}
	return v, nil
}

// EmbeddingVectorizer calls an OpenAI-compatible embeddings endpoint.
type EmbeddingVectorizer struct {
	client *openai.Client
	model  string
}

func NewEmbeddingVectorizer(client *openai.Client, model string) *EmbeddingVectorizer {
	return &EmbeddingVectorizer{client: client, model: model}
}

func (e *EmbeddingVectorizer) Vectorize(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response contained no vectors")
	}
	return resp.Data[0].Embedding, nil
}

// VectorizeBatch vectorises texts concurrently, preserving order.
// Returns nil (not error) for empty input.
func VectorizeBatch(ctx context.Context, v Vectorizer, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming a remote endpoint.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := v.Vectorize(gCtx, text)
			if err != nil {
				return fmt.Errorf("vectorizing entry %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
