package web

import (
	"bytes"
	"encoding/json"
	"html/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"pharmassist/internal/agent"
)

var (
	markdown = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)
	sanitizer = bluemonday.UGCPolicy()
)

// renderMarkdown 将模型输出转换为经过净化的 HTML。
func renderMarkdown(src string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(src))
	}
	return template.HTML(sanitizer.SanitizeBytes(buf.Bytes()))
}

type stepView struct {
	Number  int
	Icon    string
	Title   string
	Type    string
	Content string
}

// buildStepViews 生成对话记录中可展示的步骤。只有一步时不展示。
func buildStepViews(steps []agent.Step) []stepView {
	if len(steps) <= 1 {
		return nil
	}
	return liveStepViews(steps)
}

// liveStepViews 展示已经产生的全部中间步骤，最终答案步骤始终跳过。
func liveStepViews(steps []agent.Step) []stepView {
	views := make([]stepView, 0, len(steps))
	for i, step := range steps {
		if step.Type == agent.StepFinalAnswer {
			continue
		}
		views = append(views, stepView{
			Number:  i + 1,
			Icon:    step.Icon(),
			Title:   step.Title(),
			Type:    step.Type.Label(),
			Content: step.Content,
		})
	}
	return views
}

func decodeSteps(raw json.RawMessage) []agent.Step {
	if len(raw) == 0 {
		return nil
	}
	var steps []agent.Step
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil
	}
	return steps
}
