package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"pharmassist/internal/agent"
)

var (
	stepHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	stepTypeStyle   = lipgloss.NewStyle().Faint(true)
	stepBodyStyle   = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("245"))
	errorStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	answerRule      = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(strings.Repeat("─", 60))
)

// stepPrinter 在终端输出推理步骤与最终答案。
type stepPrinter struct {
	out      io.Writer
	plain    bool
	quiet    bool
	printed  int
	renderer *glamour.TermRenderer
}

func newStepPrinter(out io.Writer, plain bool) *stepPrinter {
	p := &stepPrinter{out: out, plain: plain}
	if !plain {
		renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
		if err == nil {
			p.renderer = renderer
		}
	}
	return p
}

// Step 输出一个中间步骤，最终答案步骤由 Answer 负责。
func (p *stepPrinter) Step(step agent.Step) {
	p.printed++
	if p.quiet || step.Type == agent.StepFinalAnswer {
		return
	}
	header := fmt.Sprintf("%s Step %d: %s", step.Icon(), p.printed, step.Title())
	if p.plain {
		fmt.Fprintf(p.out, "%s\nType: %s\n%s\n\n", header, step.Type.Label(), step.Content)
		return
	}
	fmt.Fprintln(p.out, stepHeaderStyle.Render(header)+" "+stepTypeStyle.Render(step.Type.Label()))
	fmt.Fprintln(p.out, stepBodyStyle.Render(step.Content))
	fmt.Fprintln(p.out)
}

// CatchUp 输出 steps 中尚未打印的部分，用于轮询远端任务。
func (p *stepPrinter) CatchUp(steps []agent.Step) {
	if len(steps) < p.printed {
		// 重试会清空上一次尝试的步骤
		p.printed = 0
	}
	for len(steps) > p.printed {
		p.Step(steps[p.printed])
	}
}

// Answer 以 Markdown 形式渲染最终答案。
func (p *stepPrinter) Answer(answer string) {
	if p.renderer != nil {
		if rendered, err := p.renderer.Render(answer); err == nil {
			fmt.Fprintln(p.out, answerRule)
			fmt.Fprint(p.out, rendered)
			return
		}
	}
	fmt.Fprintln(p.out, answer)
}

// Failure 输出与网页一致的错误提示。
func (p *stepPrinter) Failure(message string) {
	text := "❌ Sorry, I encountered an error: " + message
	if p.plain {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintln(p.out, errorStyle.Render(text))
}
