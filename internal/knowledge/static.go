package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(question string) []Snippet
}

// Snippet 描述可供大模型引用的一段参考说明。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 通过加载 JSON 或 YAML 文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从文件加载知识条目，.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 根据问题进行关键词匹配，未设置关键词与标签的条目总是命中。
func (p *StaticProvider) Query(question string) []Snippet {
	if p == nil {
		return nil
	}

	question = strings.ToLower(strings.TrimSpace(question))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, question) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

// Len 返回条目数量。
func (p *StaticProvider) Len() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

func matches(snippet Snippet, question string) bool {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return true
	}
	return containsAny(question, snippet.Keywords) || containsAny(question, snippet.Tags)
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		normalized := strings.ToLower(strings.TrimSpace(term))
		if normalized == "" {
			continue
		}
		if strings.Contains(text, normalized) {
			return true
		}
	}
	return false
}

// Notes 将命中的条目渲染为追加到系统提示词中的参考说明，无命中时返回空字符串。
func Notes(snippets []Snippet) string {
	var b strings.Builder
	for _, snippet := range snippets {
		title := strings.TrimSpace(snippet.Title)
		content := strings.TrimSpace(snippet.Content)
		if title == "" && content == "" {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Reference notes:\n")
		}
		b.WriteString("- ")
		switch {
		case title != "" && content != "":
			b.WriteString(title + ": " + content)
		case title != "":
			b.WriteString(title)
		default:
			b.WriteString(content)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
