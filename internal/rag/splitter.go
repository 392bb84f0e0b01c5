package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// LengthFunc 计算文本长度，默认按字符计数。
type LengthFunc func(string) int

// CharLength 按 Unicode 字符计数。
func CharLength(s string) int { return utf8.RuneCountInString(s) }

// TokenLength 返回基于 tiktoken 的长度函数。
func TokenLength(model string) (LengthFunc, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("加载 tiktoken 编码失败: %w", err)
		}
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}, nil
}

// Splitter 递归地按分隔符切分文本：优先段落，其次换行、空格，最后逐字符，
// 并在相邻块之间保留 overlap 长度的重叠。
type Splitter struct {
	ChunkSize  int
	Overlap    int
	Separators []string
	Length     LengthFunc
}

// NewSplitter 创建切分器。
func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	return &Splitter{
		ChunkSize:  chunkSize,
		Overlap:    overlap,
		Separators: []string{"\n\n", "\n", " ", ""},
		Length:     CharLength,
	}
}

// SplitDocuments 切分文档，每个块继承源文档的元数据。
func (s *Splitter) SplitDocuments(docs []Document) []Document {
	var out []Document
	for _, doc := range docs {
		for i, chunk := range s.SplitText(doc.Content) {
			out = append(out, Document{
				ID:       fmt.Sprintf("%s-%d", doc.ID, i),
				Content:  chunk,
				Metadata: cloneMetadata(doc.Metadata),
			})
		}
	}
	return out
}

// SplitText 切分一段文本。
func (s *Splitter) SplitText(text string) []string {
	return s.split(text, s.Separators)
}

func (s *Splitter) length(text string) int {
	if s.Length == nil {
		return CharLength(text)
	}
	return s.Length(text)
}

func (s *Splitter) split(text string, separators []string) []string {
	separator := ""
	var rest []string
	if len(separators) > 0 {
		separator = separators[len(separators)-1]
	}
	for i, sep := range separators {
		if sep == "" {
			separator = sep
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var (
		chunks []string
		good   []string
	)
	for _, piece := range splitKeepSeparator(text, separator) {
		if s.length(piece) < s.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			chunks = append(chunks, s.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			chunks = append(chunks, piece)
		} else {
			chunks = append(chunks, s.split(piece, rest)...)
		}
	}
	if len(good) > 0 {
		chunks = append(chunks, s.merge(good)...)
	}
	return chunks
}

// merge 将小片段合并为不超过 ChunkSize 的块，块首回退以形成重叠。
// 片段已携带分隔符，因此直接拼接。
func (s *Splitter) merge(pieces []string) []string {
	var (
		docs    []string
		current []string
		total   int
	)
	for _, piece := range pieces {
		n := s.length(piece)
		if total+n > s.ChunkSize && len(current) > 0 {
			if doc := joinPieces(current); doc != "" {
				docs = append(docs, doc)
			}
			for total > s.Overlap || (total+n > s.ChunkSize && total > 0) {
				total -= s.length(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += n
	}
	if doc := joinPieces(current); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func joinPieces(pieces []string) string {
	return strings.TrimSpace(strings.Join(pieces, ""))
}

// splitKeepSeparator 按分隔符切分，分隔符保留在后一个片段的开头。
func splitKeepSeparator(text, separator string) []string {
	if separator == "" {
		out := make([]string, 0, len(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	parts := strings.Split(text, separator)
	out := make([]string, 0, len(parts))
	if parts[0] != "" {
		out = append(out, parts[0])
	}
	for _, part := range parts[1:] {
		out = append(out, separator+part)
	}
	return out
}
