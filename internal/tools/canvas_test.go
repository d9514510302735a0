package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ljquan/aitu-sub000/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSurface struct {
	attached bool
	inserted []map[string]any
	updates  map[string]map[string]any
	err      error
}

func newFakeSurface(attached bool) *fakeSurface {
	return &fakeSurface{attached: attached, updates: make(map[string]map[string]any)}
}

func (f *fakeSurface) Attached() bool { return f.attached }

func (f *fakeSurface) InsertElement(ctx context.Context, element map[string]any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.inserted = append(f.inserted, element)
	return "el-1", nil
}

func (f *fakeSurface) UpdateElement(ctx context.Context, elementID string, patch map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.updates[elementID] = patch
	return nil
}

func TestCanvasInsert_DetachedSurfaceDefers(t *testing.T) {
	tool := NewCanvasInsertTool(newFakeSurface(false))
	inv := &Invocation{Call: schema.ToolCall{Name: "canvas_insert", Args: map[string]any{"url": "https://x/y.png"}}}

	res, err := tool.Execute(context.Background(), inv)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, schema.IsSurfaceNotReady(err))
}

func TestCanvasInsert_PlacesElement(t *testing.T) {
	surface := newFakeSurface(true)
	tool := NewCanvasInsertTool(surface)
	inv := &Invocation{Call: schema.ToolCall{Name: "canvas_insert", Args: map[string]any{
		"type":  "image",
		"url":   "https://cdn.example.com/cat.png",
		"x":     float64(100),
		"y":     float64(40),
		"width": float64(512),
	}}}

	res, err := tool.Execute(context.Background(), inv)
	require.NoError(t, err)
	require.True(t, res.Success)

	var data map[string]any
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, "el-1", data["element_id"])

	require.Len(t, surface.inserted, 1)
	el := surface.inserted[0]
	assert.Equal(t, "image", el["type"])
	assert.Equal(t, "https://cdn.example.com/cat.png", el["url"])
	assert.Equal(t, 100, el["x"])
	assert.Equal(t, 512, el["width"])
	_, hasHeight := el["height"]
	assert.False(t, hasHeight)
}

func TestCanvasInsert_RequiresContent(t *testing.T) {
	tool := NewCanvasInsertTool(newFakeSurface(true))
	inv := &Invocation{Call: schema.ToolCall{Name: "canvas_insert", Args: map[string]any{"type": "image"}}}

	_, err := tool.Execute(context.Background(), inv)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCanvasUpdate_PatchesElement(t *testing.T) {
	surface := newFakeSurface(true)
	tool := NewCanvasUpdateTool(surface)
	inv := &Invocation{Call: schema.ToolCall{Name: "canvas_update", Args: map[string]any{
		"element_id": "el-9",
		"url":        "https://cdn.example.com/final.png",
	}}}

	res, err := tool.Execute(context.Background(), inv)
	require.NoError(t, err)
	require.True(t, res.Success)

	patch, ok := surface.updates["el-9"]
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/final.png", patch["url"])
}

func TestCanvasUpdate_MissingElementID(t *testing.T) {
	tool := NewCanvasUpdateTool(newFakeSurface(true))
	inv := &Invocation{Call: schema.ToolCall{Name: "canvas_update", Args: map[string]any{"url": "https://x"}}}

	_, err := tool.Execute(context.Background(), inv)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestCanvasUpdate_DetachedSurfaceDefers(t *testing.T) {
	tool := NewCanvasUpdateTool(newFakeSurface(false))
	inv := &Invocation{Call: schema.ToolCall{Name: "canvas_update", Args: map[string]any{"element_id": "el-1", "url": "https://x"}}}

	_, err := tool.Execute(context.Background(), inv)
	require.Error(t, err)
	assert.True(t, schema.IsSurfaceNotReady(err))
}

func TestCanvasInsert_SurfaceFailure(t *testing.T) {
	surface := newFakeSurface(true)
	surface.err = schema.NewError(schema.ErrCodeTool, "session rejected element")
	tool := NewCanvasInsertTool(surface)
	inv := &Invocation{Call: schema.ToolCall{Name: "canvas_insert", Args: map[string]any{"url": "https://x/y.png"}}}

	res, err := tool.Execute(context.Background(), inv)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "session rejected element")
}
