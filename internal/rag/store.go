package rag

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// SearchResult 是一次相似度检索的命中结果。
type SearchResult struct {
	Document Document
	Score    float64
}

// MemoryStore 在内存中保存向量并进行暴力余弦检索，适合单份报告规模的语料。
type MemoryStore struct {
	mu   sync.RWMutex
	docs []Document
}

// NewMemoryStore 创建空的向量存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Add 写入带向量的文档。
func (s *MemoryStore) Add(docs []Document) error {
	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("文档 %s 缺少向量", doc.ID)
		}
	}
	s.mu.Lock()
	s.docs = append(s.docs, docs...)
	s.mu.Unlock()
	return nil
}

// Count 返回文档数量。
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Reset 清空存储。
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	s.docs = nil
	s.mu.Unlock()
}

// Search 返回与查询向量余弦相似度最高的 k 个文档，按分数降序；分数相同按写入顺序。
func (s *MemoryStore) Search(query []float64, k int) []SearchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k <= 0 || len(s.docs) == 0 {
		return nil
	}
	results := make([]SearchResult, 0, len(s.docs))
	for _, doc := range s.docs {
		results = append(results, SearchResult{Document: doc, Score: cosine(query, doc.Embedding)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Snapshot 是持久化到磁盘的索引内容。
type Snapshot struct {
	SourceSHA256   string     `json:"source_sha256"`
	EmbeddingModel string     `json:"embedding_model"`
	ChunkSize      int        `json:"chunk_size"`
	ChunkOverlap   int        `json:"chunk_overlap"`
	Documents      []Document `json:"documents"`
}

// Matches 判断快照是否由相同的源文件与参数生成。
func (s *Snapshot) Matches(sha, model string, chunkSize, overlap int) bool {
	return s != nil && s.SourceSHA256 == sha && s.EmbeddingModel == model &&
		s.ChunkSize == chunkSize && s.ChunkOverlap == overlap && len(s.Documents) > 0
}

// SaveSnapshot 原子地写入快照文件。
func SaveSnapshot(path string, snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建索引目录失败: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("编码索引快照失败: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("写入索引快照失败: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("替换索引快照失败: %w", err)
	}
	return nil
}

// LoadSnapshot 读取快照文件，文件不存在时返回 nil。
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取索引快照失败: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("解析索引快照失败: %w", err)
	}
	return &snap, nil
}
