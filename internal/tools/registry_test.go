package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/llm"
)

type stubTool struct {
	name   string
	output string
	err    error
	delay  time.Duration
	closed bool
	args   json.RawMessage
}

func (s *stubTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: s.name, Description: "stub", Parameters: ObjectSchema(map[string]any{})}
}

func (s *stubTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	s.args = args
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.output, s.err
}

func (s *stubTool) Close() error {
	s.closed = true
	return nil
}

func TestRegistryPreservesOrderAndRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubTool{name: "b"}))
	require.NoError(t, r.Register(&stubTool{name: "a"}))

	err := r.Register(&stubTool{name: "a"})
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "b", defs[0].Name)
	assert.Equal(t, "a", defs[1].Name)
	assert.Equal(t, []string{"b", "a"}, r.Names())
}

func TestInvokeUnknownTool(t *testing.T) {
	_, err := NewRegistry().Invoke(context.Background(), "missing", nil)
	assert.Equal(t, xerrors.CodeToolNotFound, xerrors.CodeOf(err))
}

func TestInvokeReturnsToolErrorsAsText(t *testing.T) {
	r := NewRegistry()
	tool := &stubTool{name: "fda", err: errors.New("upstream exploded")}
	require.NoError(t, r.Register(tool))

	out, err := r.Invoke(context.Background(), "fda", nil)
	require.NoError(t, err)
	assert.Equal(t, "Error running fda: upstream exploded", out)
	assert.JSONEq(t, `{}`, string(tool.args))
}

func TestInvokeTimeout(t *testing.T) {
	r := NewRegistry(WithCallTimeout(20 * time.Millisecond))
	require.NoError(t, r.Register(&stubTool{name: "slow", delay: time.Second}))

	out, err := r.Invoke(context.Background(), "slow", json.RawMessage(`{"q":1}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Error running slow: 工具调用超时"), out)
}

func TestCloseClosesTools(t *testing.T) {
	r := NewRegistry()
	tool := &stubTool{name: "graph"}
	require.NoError(t, r.Register(tool))
	require.NoError(t, r.Close())
	assert.True(t, tool.closed)
}

func TestDecodeArgs(t *testing.T) {
	var args struct {
		DrugName string `json:"drug_name"`
	}
	require.NoError(t, DecodeArgs(json.RawMessage(`{"drug_name":"aspirin"}`), &args))
	assert.Equal(t, "aspirin", args.DrugName)

	err := DecodeArgs(json.RawMessage(`{`), &args)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
