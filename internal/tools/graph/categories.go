package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "pharmassist/internal/errors"
)

const drugPropertiesQuery = "MATCH (d:Drug) RETURN keys(d) AS properties LIMIT 1"

var categoryQueries = []string{
	`MATCH (d:Drug)
WHERE toLower(d.name) CONTAINS toLower($drug_name)
RETURN DISTINCT d.name AS drug_name, d.category AS category, d.type AS type
LIMIT 20`,
	`MATCH (d:Drug)
WHERE toLower(d.name) CONTAINS toLower($drug_name)
RETURN DISTINCT d.name AS drug_name,
       [prop IN keys(d) WHERE prop CONTAINS 'category' OR prop CONTAINS 'therapeutic' OR prop CONTAINS 'type' | prop] AS relevant_properties
LIMIT 10`,
	`MATCH (d:Drug)-[r]-(related)
WHERE toLower(d.name) CONTAINS toLower($drug_name)
  AND (related:Category OR related:TherapeuticCategory OR related:Type)
RETURN DISTINCT d.name AS drug_name, type(r) AS relationship_type, related.name AS category_name
LIMIT 20`,
}

// DrugCategories 查找名称包含指定成分的药品的治疗类别。三条探测查询互相独立，
// 单条失败只记录在结果文本中。
func DrugCategories(ctx context.Context, runner Runner, drug string) (string, error) {
	drug = strings.TrimSpace(drug)
	if drug == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "药品名称不能为空")
	}

	rows, err := runner.Query(ctx, drugPropertiesQuery, nil)
	if err != nil {
		return "", fmt.Errorf("读取 Drug 属性失败: %w", err)
	}
	var properties []string
	if len(rows) > 0 {
		properties = toStrings(rows[0]["properties"])
	}
	if !contains(properties, "name") {
		return fmt.Sprintf("Database schema doesn't contain expected properties. Available properties: [%s]",
			strings.Join(properties, ", ")), nil
	}

	params := map[string]any{"drug_name": drug}
	var sections []string
	for i, query := range categoryQueries {
		records, err := runner.Query(ctx, query, params)
		if err != nil {
			sections = append(sections, fmt.Sprintf("Query %d failed: %s", i+1, xerrors.MessageOf(err)))
			continue
		}
		if len(records) == 0 {
			continue
		}
		encoded, err := json.Marshal(records)
		if err != nil {
			return "", fmt.Errorf("编码查询结果失败: %w", err)
		}
		sections = append(sections, fmt.Sprintf("Query %d results: %s", i+1, encoded))
	}

	if len(sections) == 0 {
		return fmt.Sprintf("No drugs found containing '%s' or no therapeutic category information available.", drug), nil
	}
	return fmt.Sprintf("Found information for drugs containing '%s':\n%s", drug, strings.Join(sections, "\n")), nil
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
