// Package graph 通过 Neo4j 知识图谱回答自然语言问题：由大模型根据图谱结构
// 生成只读 Cypher，执行后再由大模型组织答案。
package graph

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	xerrors "pharmassist/internal/errors"
)

// Runner 执行只读 Cypher 查询并返回每行记录。
type Runner interface {
	Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

// Config 描述 Neo4j 连接参数。
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Client 封装 Neo4j 驱动。
type Client struct {
	driver   neo4j.DriverWithContext
	database string
}

var _ Runner = (*Client)(nil)

// Connect 建立连接并校验连通性。
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, xerrors.New(xerrors.CodeConfigIncomplete, "Neo4j URI 不能为空")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "创建 Neo4j 驱动失败")
	}
	verifyCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(context.Background())
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "无法连接到 Neo4j")
	}
	return &Client{driver: driver, database: cfg.Database}, nil
}

// Query 在只读会话中执行 Cypher。
func (c *Client) Query(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	if c == nil || c.driver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Neo4j 驱动未初始化")
	}
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: c.database,
	})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]any, 0, len(records))
		for _, record := range records {
			row := make(map[string]any, len(record.Keys))
			for i, key := range record.Keys {
				row[key] = normalize(record.Values[i])
			}
			rows = append(rows, row)
		}
		return rows, nil
	})
	if err != nil {
		var neoErr *neo4j.Neo4jError
		if stdErrors.As(err, &neoErr) {
			return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "Cypher 执行失败",
				xerrors.WithMetadata("neo4j_code", neoErr.Code))
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "Cypher 执行超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, "Cypher 执行失败")
	}
	return out.([]map[string]any), nil
}

// Close 关闭驱动。
func (c *Client) Close() error {
	if c == nil || c.driver == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.driver.Close(ctx)
}

// normalize 将驱动返回的图结构转换为可序列化的值。
func normalize(v any) any {
	switch val := v.(type) {
	case neo4j.Node:
		props := make(map[string]any, len(val.Props)+1)
		for k, p := range val.Props {
			props[k] = normalize(p)
		}
		props["_labels"] = val.Labels
		return props
	case neo4j.Relationship:
		props := make(map[string]any, len(val.Props)+1)
		for k, p := range val.Props {
			props[k] = normalize(p)
		}
		props["_type"] = val.Type
		return props
	case neo4j.Path:
		nodes := make([]any, 0, len(val.Nodes))
		for _, n := range val.Nodes {
			nodes = append(nodes, normalize(n))
		}
		rels := make([]any, 0, len(val.Relationships))
		for _, r := range val.Relationships {
			rels = append(rels, normalize(r))
		}
		return map[string]any{"nodes": nodes, "relationships": rels}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case nil, string, bool, int64, float64, []byte:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return val
	}
}
