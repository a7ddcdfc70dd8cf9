package mcpclient

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCaller struct {
	result             *ToolCallResult
	err                error
	gotServer, gotTool string
	gotArgs            map[string]any
}

func (c *stubCaller) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	c.gotServer, c.gotTool, c.gotArgs = serverID, toolName, arguments
	return c.result, c.err
}

func TestToolBridgeDescriptorIsNamespaced(t *testing.T) {
	tool := &MCPTool{Name: "read_file", Description: "reads a file"}
	b := NewToolBridge(&stubCaller{}, "fs", tool)

	desc := b.Descriptor()

	assert.Equal(t, "mcp_fs_read_file", desc.Name)
	assert.Contains(t, desc.Description, "fs.read_file")
	assert.True(t, desc.Enabled)
}

func TestToolBridgeDescriptorDefaultsSchemaWhenEmpty(t *testing.T) {
	tool := &MCPTool{Name: "noop"}
	b := NewToolBridge(&stubCaller{}, "fs", tool)

	desc := b.Descriptor()

	assert.JSONEq(t, `{"type":"object"}`, string(desc.Parameters))
}

func TestToolBridgeExecuteForwardsToCaller(t *testing.T) {
	caller := &stubCaller{result: &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "hello"}}}}
	tool := &MCPTool{Name: "read_file"}
	b := NewToolBridge(caller, "fs", tool)

	result, err := b.Execute(context.Background(), json.RawMessage(`{"path":"/tmp/x"}`))

	require.NoError(t, err)
	assert.Equal(t, "fs", caller.gotServer)
	assert.Equal(t, "read_file", caller.gotTool)
	assert.Equal(t, "/tmp/x", caller.gotArgs["path"])
	assert.Equal(t, "hello", result.Output)
	assert.Empty(t, result.Error)
}

func TestToolBridgeExecutePropagatesCallerError(t *testing.T) {
	caller := &stubCaller{err: assert.AnError}
	b := NewToolBridge(caller, "fs", &MCPTool{Name: "read_file"})

	_, err := b.Execute(context.Background(), nil)

	assert.Error(t, err)
}

func TestToolBridgeExecuteTranslatesIsErrorIntoToolResultError(t *testing.T) {
	caller := &stubCaller{result: &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "boom"}}, IsError: true}}
	b := NewToolBridge(caller, "fs", &MCPTool{Name: "read_file"})

	result, err := b.Execute(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, "boom", result.Error)
	assert.Empty(t, result.Output)
}

func TestToolBridgeExecuteRejectsMalformedArguments(t *testing.T) {
	b := NewToolBridge(&stubCaller{}, "fs", &MCPTool{Name: "read_file"})

	_, err := b.Execute(context.Background(), json.RawMessage(`{not json`))

	assert.Error(t, err)
}

func TestFormatToolCallResultCombinesTextParts(t *testing.T) {
	text, isError := formatToolCallResult(&ToolCallResult{
		Content: []ToolResultContent{{Type: "text", Text: "one"}, {Type: "text", Text: "two"}},
	})

	assert.Equal(t, "one\ntwo", text)
	assert.False(t, isError)
}

func TestFormatToolCallResultFallsBackToJSONForNonTextContent(t *testing.T) {
	result := &ToolCallResult{Content: []ToolResultContent{{Type: "image", Data: "base64data"}}}

	text, _ := formatToolCallResult(result)

	assert.Contains(t, text, "base64data")
}

func TestFormatToolCallResultNilResultIsEmpty(t *testing.T) {
	text, isError := formatToolCallResult(nil)

	assert.Empty(t, text)
	assert.False(t, isError)
}

func TestBuildBridgesEmptyWhenNoClientsConnected(t *testing.T) {
	m := newTestManager()

	bridges := BuildBridges(m)

	assert.Empty(t, bridges, "no clients connected means no tools and no bridges")
}
