// Package rag 实现针对单份 PDF 报告的检索增强问答：加载、切分、向量化、
// 余弦相似度检索以及基于上下文的答案生成。
package rag

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	xerrors "pharmassist/internal/errors"
)

// Document 是一段文本及其元数据，入库后携带向量。
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"page_content"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float64      `json:"embedding,omitempty"`
}

// Loader 将文件加载为文档列表。
type Loader func(path string) ([]Document, error)

// LoadPDF 按页读取 PDF 文本，每页一个文档，空白页跳过。页码从 0 开始，与常见加载器保持一致。
func LoadPDF(path string) ([]Document, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, fmt.Sprintf("打开 PDF 失败: %s", path))
	}
	defer file.Close()

	total := reader.NumPage()
	docs := make([]Document, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("读取第 %d 页失败: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		docs = append(docs, Document{
			ID:      fmt.Sprintf("page-%d", i-1),
			Content: text,
			Metadata: map[string]any{
				"source": path,
				"page":   i - 1,
			},
		})
	}
	if len(docs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("PDF 中没有可提取的文本: %s", path))
	}
	return docs, nil
}

func cloneMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
