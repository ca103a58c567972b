package ephemeralrag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

// EmbeddingProvider turns chunk text into vectors for the §4.8 chunk store.
// A Manager holds exactly one provider: there is no provider priority list,
// and an Embed error is not retried against another provider.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder is the primary embedding provider, grounded on
// `_examples/haasonsaas-nexus/internal/agent/providers/openai.go`'s
// go-openai usage pattern.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder wraps an existing client. model defaults to
// text-embedding-3-small.
func NewOpenAIEmbedder(client *openai.Client, model openai.EmbeddingModel) *OpenAIEmbedder {
	if model == "" {
		model = openai.SmallEmbedding3
	}
	return &OpenAIEmbedder{client: client, model: model}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// VertexEmbedder is a second EmbeddingProvider (Vertex AI text-embeddings);
// nothing switches to it automatically when another provider fails. It
// calls the Vertex AI predict REST endpoint directly, authenticated via
// google.golang.org/api/transport/http — the module's plain-HTTP
// authenticated-client helper — rather than a generated gRPC client, since
// google.golang.org/api does not ship a generated Vertex AI predict client
// (that lives in the separate cloud.google.com/go/aiplatform module, out of
// scope here).
type VertexEmbedder struct {
	client   *http.Client
	endpoint string
}

// NewVertexEmbedder builds a client authenticated with an API key, targeting
// the given project/location/model's predict endpoint.
func NewVertexEmbedder(ctx context.Context, apiKey, project, location, model string) (*VertexEmbedder, error) {
	if model == "" {
		model = "textembedding-gecko@003"
	}
	client, _, err := htransport.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("building vertex http transport: %w", err)
	}
	endpoint := fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		location, project, location, model,
	)
	return &VertexEmbedder{client: client, endpoint: endpoint}, nil
}

type vertexPredictRequest struct {
	Instances []vertexInstance `json:"instances"`
}

type vertexInstance struct {
	Content string `json:"content"`
}

type vertexPredictResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

func (e *VertexEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	instances := make([]vertexInstance, len(texts))
	for i, t := range texts {
		instances[i] = vertexInstance{Content: t}
	}
	body, err := json.Marshal(vertexPredictRequest{Instances: instances})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vertex predict request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vertex predict returned status %d", resp.StatusCode)
	}

	var parsed vertexPredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding vertex predict response: %w", err)
	}
	out := make([][]float32, len(parsed.Predictions))
	for i, p := range parsed.Predictions {
		out[i] = p.Embeddings.Values
	}
	return out, nil
}

// cosineSimilarity scores two equal-length vectors, grounded on
// `_examples/haasonsaas-nexus/internal/memory/backend/lancedb/backend.go`'s
// cosineSimilarity helper.
func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
