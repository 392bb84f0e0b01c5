package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Schema 描述图谱中的标签、关系类型、属性以及关系模式。
type Schema struct {
	Labels            []string
	RelationshipTypes []string
	NodeProperties    map[string][]Property
	Patterns          []Pattern
}

// Property 是某个标签上的一个属性及其类型。
type Property struct {
	Name  string
	Types []string
}

// Pattern 表示 (:From)-[:Type]->(:To)。
type Pattern struct {
	From string
	Type string
	To   string
}

const (
	labelsQuery         = "CALL db.labels() YIELD label RETURN label"
	relTypesQuery       = "CALL db.relationshipTypes() YIELD relationshipType RETURN relationshipType"
	nodePropertiesQuery = "CALL db.schema.nodeTypeProperties() YIELD nodeLabels, propertyName, propertyTypes " +
		"RETURN nodeLabels, propertyName, propertyTypes"
	patternsQuery = "MATCH (a)-[r]->(b) WITH labels(a) AS src, type(r) AS rel, labels(b) AS dst " +
		"RETURN DISTINCT src, rel, dst LIMIT 100"
)

// LoadSchema 通过内置过程读取图谱结构。属性与模式读取失败时降级为空。
func LoadSchema(ctx context.Context, runner Runner) (*Schema, error) {
	schema := &Schema{NodeProperties: make(map[string][]Property)}

	rows, err := runner.Query(ctx, labelsQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("读取节点标签失败: %w", err)
	}
	for _, row := range rows {
		if label, ok := row["label"].(string); ok {
			schema.Labels = append(schema.Labels, label)
		}
	}

	rows, err = runner.Query(ctx, relTypesQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("读取关系类型失败: %w", err)
	}
	for _, row := range rows {
		if rel, ok := row["relationshipType"].(string); ok {
			schema.RelationshipTypes = append(schema.RelationshipTypes, rel)
		}
	}

	if rows, err := runner.Query(ctx, nodePropertiesQuery, nil); err == nil {
		for _, row := range rows {
			name, _ := row["propertyName"].(string)
			if name == "" {
				continue
			}
			prop := Property{Name: name, Types: toStrings(row["propertyTypes"])}
			for _, label := range toStrings(row["nodeLabels"]) {
				schema.NodeProperties[label] = append(schema.NodeProperties[label], prop)
			}
		}
	}

	if rows, err := runner.Query(ctx, patternsQuery, nil); err == nil {
		seen := make(map[Pattern]struct{})
		for _, row := range rows {
			rel, _ := row["rel"].(string)
			for _, from := range toStrings(row["src"]) {
				for _, to := range toStrings(row["dst"]) {
					p := Pattern{From: from, Type: rel, To: to}
					if _, ok := seen[p]; ok {
						continue
					}
					seen[p] = struct{}{}
					schema.Patterns = append(schema.Patterns, p)
				}
			}
		}
	}

	sort.Strings(schema.Labels)
	sort.Strings(schema.RelationshipTypes)
	return schema, nil
}

// HasProperty 判断标签上是否存在指定属性。
func (s *Schema) HasProperty(label, property string) bool {
	for _, p := range s.NodeProperties[label] {
		if p.Name == property {
			return true
		}
	}
	return false
}

// String 渲染为提示词中使用的文本。
func (s *Schema) String() string {
	var b strings.Builder
	b.WriteString("Node labels: ")
	b.WriteString(strings.Join(s.Labels, ", "))
	b.WriteString("\nRelationship types: ")
	b.WriteString(strings.Join(s.RelationshipTypes, ", "))

	if len(s.NodeProperties) > 0 {
		b.WriteString("\nNode properties:")
		labels := make([]string, 0, len(s.NodeProperties))
		for label := range s.NodeProperties {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			props := s.NodeProperties[label]
			parts := make([]string, 0, len(props))
			for _, p := range props {
				typ := "ANY"
				if len(p.Types) > 0 {
					typ = strings.ToUpper(strings.Join(p.Types, "|"))
				}
				parts = append(parts, fmt.Sprintf("%s: %s", p.Name, typ))
			}
			fmt.Fprintf(&b, "\n%s {%s}", label, strings.Join(parts, ", "))
		}
	}

	if len(s.Patterns) > 0 {
		b.WriteString("\nThe relationships:")
		for _, p := range s.Patterns {
			fmt.Fprintf(&b, "\n(:%s)-[:%s]->(:%s)", p.From, p.Type, p.To)
		}
	}
	return b.String()
}

func toStrings(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				// nodeTypeProperties 返回的标签形如 ":`Drug`"。
				out = append(out, strings.Trim(strings.TrimPrefix(s, ":"), "`"))
			}
		}
		return out
	case string:
		return []string{strings.Trim(strings.TrimPrefix(val, ":"), "`")}
	default:
		return nil
	}
}
