package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/llm"
	"pharmassist/pkg/logger"
)

// IndexConfig 描述索引参数。
type IndexConfig struct {
	SnapshotPath   string
	EmbeddingModel string
	Splitter       *Splitter
	Loader         Loader
}

// Index 负责构建和检索向量索引。
type Index struct {
	embedder llm.Embedder
	cfg      IndexConfig
	store    *MemoryStore
	log      *slog.Logger

	mu     sync.RWMutex
	ready  bool
	source string
}

// NewIndex 创建索引。
func NewIndex(embedder llm.Embedder, cfg IndexConfig) *Index {
	if cfg.Splitter == nil {
		cfg.Splitter = NewSplitter(1000, 200)
	}
	if cfg.Loader == nil {
		cfg.Loader = LoadPDF
	}
	return &Index{
		embedder: embedder,
		cfg:      cfg,
		store:    NewMemoryStore(),
		log:      logger.Named("rag"),
	}
}

// BuildStats 描述一次构建的结果。
type BuildStats struct {
	Source    string
	Chunks    int
	FromCache bool
}

// Build 为指定文件构建索引。若快照与源文件哈希及参数一致，直接复用快照中的向量。
func (i *Index) Build(ctx context.Context, path string) (*BuildStats, error) {
	sum, err := fileSHA256(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("PDF 文件不可用: %s", path))
	}
	split := i.cfg.Splitter

	if i.cfg.SnapshotPath != "" {
		snap, err := LoadSnapshot(i.cfg.SnapshotPath)
		if err != nil {
			i.log.Warn("索引快照不可用，重新构建", slog.Any("error", err))
		} else if snap.Matches(sum, i.cfg.EmbeddingModel, split.ChunkSize, split.Overlap) {
			if err := i.replace(snap.Documents, path); err != nil {
				return nil, err
			}
			i.log.Info("已从快照恢复文档索引", slog.String("source", path), slog.Int("chunks", len(snap.Documents)))
			return &BuildStats{Source: path, Chunks: len(snap.Documents), FromCache: true}, nil
		}
	}

	pages, err := i.cfg.Loader(path)
	if err != nil {
		return nil, err
	}
	chunks := split.SplitDocuments(pages)
	if len(chunks) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "文档切分后为空")
	}

	texts := make([]string, len(chunks))
	for idx, chunk := range chunks {
		texts[idx] = chunk.Content
	}
	vectors, err := i.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("计算文档向量失败: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable,
			fmt.Sprintf("向量数量不匹配: 期望 %d, 实际 %d", len(chunks), len(vectors)))
	}
	for idx := range chunks {
		chunks[idx].Embedding = vectors[idx]
	}
	if err := i.replace(chunks, path); err != nil {
		return nil, err
	}

	if i.cfg.SnapshotPath != "" {
		snap := &Snapshot{
			SourceSHA256:   sum,
			EmbeddingModel: i.cfg.EmbeddingModel,
			ChunkSize:      split.ChunkSize,
			ChunkOverlap:   split.Overlap,
			Documents:      chunks,
		}
		if err := SaveSnapshot(i.cfg.SnapshotPath, snap); err != nil {
			i.log.Warn("保存索引快照失败", slog.Any("error", err))
		}
	}
	i.log.Info("文档索引构建完成", slog.String("source", path), slog.Int("pages", len(pages)), slog.Int("chunks", len(chunks)))
	return &BuildStats{Source: path, Chunks: len(chunks)}, nil
}

func (i *Index) replace(docs []Document, source string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.store.Reset()
	if err := i.store.Add(docs); err != nil {
		i.ready = false
		return err
	}
	i.ready = true
	i.source = source
	return nil
}

// Ready 判断索引是否可用。
func (i *Index) Ready() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.ready
}

// Search 检索与问题最相关的 k 个文本块。
func (i *Index) Search(ctx context.Context, question string, k int) ([]SearchResult, error) {
	if !i.Ready() {
		return nil, xerrors.New(xerrors.CodeIndexNotReady, "PDF vector store not initialized")
	}
	vectors, err := i.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("计算问题向量失败: %w", err)
	}
	if len(vectors) != 1 {
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "问题向量为空")
	}
	return i.store.Search(vectors[0], k), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
