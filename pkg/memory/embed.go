package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-resty/resty/v2"
)

// embedder calls an OpenAI-compatible embeddings endpoint to produce the
// vector column used by vector-ANN retrieval. When apiBase is empty,
// enabled() is false and SearchMemories falls straight to the FTS
// fallback, matching spec's "optional vector extension" framing.
type embedder struct {
	client  *resty.Client
	apiBase string
	apiKey  string
	model   string
	dim     int
}

func newEmbedder(apiBase, apiKey, model string, dim int) *embedder {
	client := resty.New().SetTimeout(embedTimeout)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &embedder{client: client, apiBase: apiBase, apiKey: apiKey, model: model, dim: dim}
}

func (e *embedder) enabled() bool {
	return e.apiBase != ""
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// embed requests a single embedding vector for text. Callers treat a
// non-nil error as "vector unavailable for this call", not a hard
// failure of the surrounding capture/search operation.
func (e *embedder) embed(ctx context.Context, text string) ([]float32, error) {
	if !e.enabled() {
		return nil, fmt.Errorf("memory: embedding api not configured")
	}

	var result embeddingResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"model": e.model, "input": text}).
		SetResult(&result).
		Post(e.apiBase + "/embeddings")
	if err != nil {
		return nil, fmt.Errorf("memory: embedding request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("memory: embedding request failed: %s", resp.Status())
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("memory: embedding response had no vectors")
	}
	return result.Data[0].Embedding, nil
}

// encodeVector packs a []float32 into a little-endian BLOB for storage.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a BLOB written by encodeVector.
func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// cosineSimilarity returns the cosine similarity of two equal-length
// vectors, or 0 if either is empty or they differ in length.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
