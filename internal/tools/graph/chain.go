package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"pharmassist/internal/cache"
	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/llm"
)

const cypherGenerationPrompt = `Task: Generate a Cypher statement to query a graph database.
Instructions:
Use only the provided relationship types and properties in the schema.
Do not use any other relationship types or properties that are not provided.
Only generate read queries. Never use CREATE, MERGE, DELETE, SET, REMOVE or DROP.
Schema:
%s
Note: Do not include any explanations or apologies in your responses.
Do not respond to any questions that might ask anything else than for you to construct a Cypher statement.
Do not include any text except the generated Cypher statement.

The question is:
%s`

const answerPrompt = `You are an assistant that helps to form nice and human understandable answers.
The information part contains the provided information that you must use to construct an answer.
The provided information is authoritative, you must never doubt it or try to use your internal knowledge to correct it.
Make the answer sound as a response to the question. Do not mention that you based the result on the given information.
If the provided information is empty, say that you don't know the answer.
Information:
%s

Question: %s
Helpful Answer:`

var (
	fencePattern = regexp.MustCompile("(?s)```(?:cypher|Cypher|CYPHER)?\\s*(.*?)```")
	writePattern = regexp.MustCompile(`(?i)\b(CREATE|MERGE|DELETE|DETACH|SET|REMOVE|DROP|FOREACH|LOAD\s+CSV)\b|\bCALL\s+(dbms\.|apoc\.(create|merge|refactor|periodic|trigger))`)
	stringLit    = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"`)
)

// Answer 是一次图谱问答的完整结果。
type Answer struct {
	Question string           `json:"query"`
	Cypher   string           `json:"cypher"`
	Context  []map[string]any `json:"context"`
	Answer   string           `json:"result"`
}

// QAChain 实现 自然语言 → Cypher → 结果 → 答案 的问答链。
type QAChain struct {
	runner   Runner
	model    llm.ChatModel
	topK     int
	cache    cache.Cache
	cacheTTL time.Duration

	schemaMu sync.Mutex
	schema   *Schema
}

// ChainOption 配置问答链。
type ChainOption func(*QAChain)

// WithTopK 限制作为上下文的结果条数。
func WithTopK(k int) ChainOption {
	return func(c *QAChain) {
		if k > 0 {
			c.topK = k
		}
	}
}

// WithCache 缓存问答结果。
func WithCache(store cache.Cache, ttl time.Duration) ChainOption {
	return func(c *QAChain) {
		c.cache = store
		c.cacheTTL = ttl
	}
}

// WithSchema 预置图谱结构，跳过首次查询时的加载。
func WithSchema(schema *Schema) ChainOption {
	return func(c *QAChain) {
		c.schema = schema
	}
}

// NewQAChain 创建问答链。
func NewQAChain(runner Runner, model llm.ChatModel, opts ...ChainOption) *QAChain {
	c := &QAChain{runner: runner, model: model, topK: 5}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Schema 返回缓存的图谱结构，首次调用时加载。
func (c *QAChain) Schema(ctx context.Context) (*Schema, error) {
	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()
	if c.schema != nil {
		return c.schema, nil
	}
	schema, err := LoadSchema(ctx, c.runner)
	if err != nil {
		return nil, err
	}
	c.schema = schema
	return schema, nil
}

// Ask 回答关于知识图谱的问题。
func (c *QAChain) Ask(ctx context.Context, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}

	key := "graph:" + strings.ToLower(question)
	var cached Answer
	if hit, err := cache.GetJSON(ctx, c.cache, "graph", key, &cached); err == nil && hit {
		return &cached, nil
	}

	schema, err := c.Schema(ctx)
	if err != nil {
		return nil, err
	}

	generated, err := llm.Complete(ctx, c.model, "", fmt.Sprintf(cypherGenerationPrompt, schema.String(), question))
	if err != nil {
		return nil, fmt.Errorf("生成 Cypher 失败: %w", err)
	}
	cypher := ExtractCypher(generated)
	if err := ValidateReadOnly(cypher); err != nil {
		return nil, err
	}

	rows, err := c.runner.Query(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) > c.topK {
		rows = rows[:c.topK]
	}

	info, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("编码查询结果失败: %w", err)
	}
	answer, err := llm.Complete(ctx, c.model, "", fmt.Sprintf(answerPrompt, string(info), question))
	if err != nil {
		return nil, fmt.Errorf("生成答案失败: %w", err)
	}

	result := &Answer{Question: question, Cypher: cypher, Context: rows, Answer: answer}
	_ = cache.SetJSON(ctx, c.cache, key, result, c.cacheTTL)
	return result, nil
}

// ExtractCypher 去除模型输出中的代码块标记。
func ExtractCypher(text string) string {
	text = strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(text); len(m) == 2 {
		text = m[1]
	}
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "cypher\n")
	return strings.TrimSpace(text)
}

// ValidateReadOnly 拒绝包含写操作的 Cypher。
func ValidateReadOnly(cypher string) error {
	if strings.TrimSpace(cypher) == "" {
		return xerrors.New(xerrors.CodeToolFailure, "模型未生成 Cypher 语句")
	}
	stripped := stringLit.ReplaceAllString(cypher, "''")
	if m := writePattern.FindString(stripped); m != "" {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("拒绝执行包含写操作的 Cypher: %s", strings.ToUpper(strings.TrimSpace(m))),
			xerrors.WithMetadata("cypher", cypher))
	}
	return nil
}
