package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lexcodex/promptloop/framework"
)

const deepInfraProvider = "deepinfra"

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 input", len(vectors))
	}
	return vectors[0], nil
}

// DeepInfraEmbedder calls DeepInfra's inference endpoint for embedding models.
type DeepInfraEmbedder struct {
	BaseURL string
	Model   string
	APIKey  string
	Debug   bool
	client  *http.Client
}

// NewDeepInfraEmbedder builds an embedder. An empty baseURL selects
// https://api.deepinfra.com.
func NewDeepInfraEmbedder(baseURL, model, apiKey string, opts ...ConnectorOption) (*DeepInfraEmbedder, error) {
	if model == "" {
		return nil, fmt.Errorf("model required")
	}
	if baseURL == "" {
		baseURL = "https://api.deepinfra.com"
	}
	if _, err := NormalizeHost(baseURL); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	client, err := o.httpClient(baseURL)
	if err != nil {
		return nil, err
	}
	return &DeepInfraEmbedder{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		APIKey:  apiKey,
		Debug:   o.debug,
		client:  client,
	}, nil
}

// Embed implements Embedder.
func (e *DeepInfraEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]interface{}{"inputs": texts})
	if err != nil {
		return nil, err
	}
	endpoint := e.BaseURL + "/v1/inference/" + strings.TrimLeft(e.Model, "/")
	if e.Debug {
		logf(deepInfraProvider, "request %s payload: %s", endpoint, truncate(string(body), 2048))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &framework.BackendError{Provider: deepInfraProvider, Detail: "request failed", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &framework.BackendError{Provider: deepInfraProvider, StatusCode: resp.StatusCode, Detail: "read response", Err: err}
	}
	if e.Debug {
		logf(deepInfraProvider, "response %s status=%d payload: %s", endpoint, resp.StatusCode, truncate(string(data), 2048))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &framework.RateLimitError{Provider: deepInfraProvider, ResetAfter: resetAfter(resp.Header)}
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		detail := errorDetail(resp.Status, data)
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			detail = apiErr.Error
		}
		return nil, &framework.BackendError{Provider: deepInfraProvider, StatusCode: resp.StatusCode, Detail: detail}
	}

	var parsed struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &framework.BackendError{Provider: deepInfraProvider, StatusCode: resp.StatusCode, Detail: "decode response", Err: err}
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, &framework.BackendError{
			Provider:   deepInfraProvider,
			StatusCode: resp.StatusCode,
			Detail:     fmt.Sprintf("got %d embeddings for %d inputs", len(parsed.Embeddings), len(texts)),
		}
	}
	return parsed.Embeddings, nil
}
