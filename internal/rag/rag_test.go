package rag

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/llm"
)

func TestSplitTextWordsWithOverlap(t *testing.T) {
	s := NewSplitter(10, 5)
	assert.Equal(t, []string{"aaaa bbbb", "bbbb cccc", "cccc dddd"}, s.SplitText("aaaa bbbb cccc dddd"))
}

func TestSplitTextPrefersParagraphs(t *testing.T) {
	assert.Equal(t, []string{"para one\n\npara two"}, NewSplitter(100, 0).SplitText("para one\n\npara two"))
	assert.Equal(t, []string{"para one", "para two"}, NewSplitter(10, 0).SplitText("para one\n\npara two"))
}

func TestSplitTextFallsBackToCharacters(t *testing.T) {
	assert.Equal(t, []string{"abcd", "defg", "ghij"}, NewSplitter(4, 1).SplitText("abcdefghij"))
}

func TestSplitDocumentsKeepsMetadata(t *testing.T) {
	docs := NewSplitter(10, 0).SplitDocuments([]Document{{
		ID:       "page-3",
		Content:  "alpha beta gamma delta",
		Metadata: map[string]any{"page": 3, "source": "report.pdf"},
	}})
	require.Len(t, docs, 3)
	for i, doc := range docs {
		assert.Equal(t, 3, doc.Metadata["page"])
		assert.Equal(t, "report.pdf", doc.Metadata["source"])
		assert.LessOrEqual(t, CharLength(doc.Content), 10, "chunk %d too long", i)
	}
	docs[0].Metadata["page"] = 99
	assert.Equal(t, 3, docs[1].Metadata["page"], "metadata must be copied per chunk")
}

func TestNewSplitterNormalizesOverlap(t *testing.T) {
	s := NewSplitter(100, 200)
	assert.Equal(t, 0, s.Overlap)
	assert.Equal(t, 1000, NewSplitter(0, 0).ChunkSize)
}

func TestMemoryStoreSearch(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Add([]Document{
		{ID: "a", Embedding: []float64{1, 0}},
		{ID: "b", Embedding: []float64{0, 1}},
		{ID: "c", Embedding: []float64{1, 1}},
	}))
	assert.Error(t, store.Add([]Document{{ID: "missing"}}))

	results := store.Search([]float64{1, 0.1}, 2)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Document.ID)
	assert.Equal(t, "c", results[1].Document.ID)
	assert.InDelta(t, 0.995, results[0].Score, 0.01)
	assert.Empty(t, store.Search([]float64{1, 0}, 0))
}

type keywordEmbedder struct {
	mu    sync.Mutex
	calls int
	texts int
}

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	e.mu.Lock()
	e.calls++
	e.texts += len(texts)
	e.mu.Unlock()
	out := make([][]float64, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		vec := []float64{0, 0, 0.1}
		if strings.Contains(lower, "revenue") {
			vec[0] = 1
		}
		if strings.Contains(lower, "pipeline") {
			vec[1] = 1
		}
		out[i] = vec
	}
	return out, nil
}

type stubModel struct {
	reply  string
	prompt string
}

func (m *stubModel) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.prompt = req.Messages[len(req.Messages)-1].Content
	return &llm.ChatResponse{Message: llm.AssistantMessage(m.reply)}, nil
}

func fakePDF(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o600))
	return path
}

func pagesLoader(path string) ([]Document, error) {
	return []Document{
		{ID: "page-0", Content: "Revenue grew 12% in 2023 driven by oncology.", Metadata: map[string]any{"source": path, "page": 0}},
		{ID: "page-1", Content: "The pipeline includes three phase III assets.", Metadata: map[string]any{"source": path, "page": 1}},
	}, nil
}

func TestIndexBuildSearchAndSnapshot(t *testing.T) {
	pdfPath := fakePDF(t)
	snapshot := filepath.Join(t.TempDir(), "index", "documents.json")
	embedder := &keywordEmbedder{}

	index := NewIndex(embedder, IndexConfig{SnapshotPath: snapshot, EmbeddingModel: "test-model", Loader: pagesLoader})
	_, err := index.Search(context.Background(), "revenue?", 4)
	assert.Equal(t, xerrors.CodeIndexNotReady, xerrors.CodeOf(err))

	stats, err := index.Build(context.Background(), pdfPath)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Chunks)
	assert.False(t, stats.FromCache)
	assert.FileExists(t, snapshot)

	hits, err := index.Search(context.Background(), "What was the revenue?", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0, hits[0].Document.Metadata["page"])

	failing := func(string) ([]Document, error) { return nil, errors.New("loader should not run") }
	restored := NewIndex(embedder, IndexConfig{SnapshotPath: snapshot, EmbeddingModel: "test-model", Loader: failing})
	stats, err = restored.Build(context.Background(), pdfPath)
	require.NoError(t, err)
	assert.True(t, stats.FromCache)
	assert.True(t, restored.Ready())

	other := NewIndex(embedder, IndexConfig{SnapshotPath: snapshot, EmbeddingModel: "other-model", Loader: failing})
	_, err = other.Build(context.Background(), pdfPath)
	assert.Error(t, err, "a different embedding model must not reuse the snapshot")
}

func TestIndexBuildMissingFile(t *testing.T) {
	index := NewIndex(&keywordEmbedder{}, IndexConfig{Loader: pagesLoader})
	_, err := index.Build(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.False(t, index.Ready())
}

func TestPipelineAnswer(t *testing.T) {
	index := NewIndex(&keywordEmbedder{}, IndexConfig{Loader: pagesLoader})
	_, err := index.Build(context.Background(), fakePDF(t))
	require.NoError(t, err)

	model := &stubModel{reply: "Revenue grew 12%."}
	result, err := NewPipeline(index, model, 0).Answer(context.Background(), "How did revenue develop?", nil)
	require.NoError(t, err)

	assert.Equal(t, "Revenue grew 12%.", result.Answer)
	assert.Equal(t, 2, result.TotalDocuments)
	assert.Equal(t, "Revenue grew 12% in 2023 driven by oncology.", result.RetrievedDocuments[0].PageContent)
	assert.Contains(t, model.prompt, "Context: Revenue grew 12% in 2023 driven by oncology.\n\nThe pipeline")
	assert.Contains(t, model.prompt, "Chat history: []")
	assert.True(t, strings.HasSuffix(model.prompt, "Question: How did revenue develop?\n\nHelpful Answer:"))
}

func TestToolOutput(t *testing.T) {
	index := NewIndex(&keywordEmbedder{}, IndexConfig{Loader: pagesLoader})
	_, err := index.Build(context.Background(), fakePDF(t))
	require.NoError(t, err)

	tool := NewTool(NewPipeline(index, &stubModel{reply: "Three phase III assets."}, 4))
	out, err := tool.Call(context.Background(), json.RawMessage(`{"question":"What is in the pipeline?"}`))
	require.NoError(t, err)

	var decoded struct {
		RetrievedDocuments []map[string]any `json:"retrieved_documents"`
		Answer             string           `json:"answer"`
		TotalDocuments     int              `json:"total_documents"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "Three phase III assets.", decoded.Answer)
	assert.Equal(t, 2, decoded.TotalDocuments)
	assert.Contains(t, decoded.RetrievedDocuments[0], "page_content")
	assert.Contains(t, decoded.RetrievedDocuments[0], "metadata")
}

func TestToolNotInitialized(t *testing.T) {
	_, err := NewTool(nil).Call(context.Background(), json.RawMessage(`{"question":"x"}`))
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestLoadPDFMissingFile(t *testing.T) {
	_, err := LoadPDF(filepath.Join(t.TempDir(), "nope.pdf"))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}
