package persistence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Document is a text stored for similarity recall.
type Document struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id,omitempty"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SearchResult pairs a document with its similarity to the query.
type SearchResult struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// Embedder turns texts into vectors. llm.DeepInfraEmbedder satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore keeps documents with their embeddings in memory and ranks
// them by cosine similarity.
type VectorStore struct {
	embedder Embedder
	mu       sync.RWMutex
	data     map[string]Document
	vecs     map[string][]float32
}

// NewVectorStore returns an empty store.
func NewVectorStore(embedder Embedder) *VectorStore {
	return &VectorStore{
		embedder: embedder,
		data:     make(map[string]Document),
		vecs:     make(map[string][]float32),
	}
}

// Upsert embeds and stores documents in one batch.
func (s *VectorStore) Upsert(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return errors.New("document id required")
		}
		texts[i] = doc.Content
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, doc := range docs {
		s.data[doc.ID] = doc
		s.vecs[doc.ID] = vectors[i]
	}
	return nil
}

// Query returns up to limit documents most similar to query. Documents with
// a non-positive score are dropped.
func (s *VectorStore) Query(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for the query", len(vectors))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []SearchResult
	for id, vec := range s.vecs {
		score := cosineSimilarity(vectors[0], vec)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{Document: s.data[id], Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.ID < results[j].Document.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes a document by id.
func (s *VectorStore) Delete(ctx context.Context, id string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	delete(s.vecs, id)
	return nil
}

// Len reports the number of stored documents.
func (s *VectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// cosineSimilarity is 0 for mismatched lengths or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
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
