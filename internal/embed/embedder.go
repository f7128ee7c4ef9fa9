// Package embed implements the embed stage: load cached pages, chunk
// them, generate vector embeddings in batches and append the results to
// a durable JSONL sink for the upload stage.
package embed

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/ragline/ragline/internal/throttle"
)

// Embedder turns batches of text into vectors. Implementations must
// return exactly one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensionality() int
}

// GeminiEmbedder embeds text through the Gemini API.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	dim    int
}

// NewGeminiEmbedder creates an embedder for the given model and output
// dimensionality.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dim int) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: model, dim: dim}, nil
}

// Embed generates one vector per text. A response with the wrong count
// or dimensionality is a permanent failure for the whole batch; the API
// gives no way to tell which inputs produced which outputs otherwise.
func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	dim := int32(e.dim)
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		// SDK errors carry status text; Retryable classifies by pattern.
		return nil, fmt.Errorf("embedding batch of %d: %w", len(texts), err)
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, throttle.Permanent(fmt.Errorf(
			"embedding count mismatch: sent %d texts, got %d vectors",
			len(texts), len(resp.Embeddings)))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) != e.dim {
			got := 0
			if emb != nil {
				got = len(emb.Values)
			}
			return nil, throttle.Permanent(fmt.Errorf(
				"vector %d has %d dimensions, want %d", i, got, e.dim))
		}
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// Model returns the model identifier recorded with each embedding.
func (e *GeminiEmbedder) Model() string { return e.model }

// Dimensionality returns the configured output vector size.
func (e *GeminiEmbedder) Dimensionality() int { return e.dim }
