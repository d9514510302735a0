package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ljquan/aitu-sub000/pkg/schema"
)

// ProviderConfig configures the media generation provider client.
type ProviderConfig struct {
	BaseURL     string
	APIKey      string
	ImageModel  string
	VideoModel  string
	Timeout     time.Duration
	MaxAttempts int
}

const (
	defaultImageModel  = "gemini-2.5-flash-image"
	defaultVideoModel  = "veo-3"
	defaultGenTimeout  = 120 * time.Second
	maxStreamLineBytes = 16 * 1024 * 1024 // base64 image data arrives in single SSE lines
)

// GenerateResult is the parsed outcome of a provider generation call.
type GenerateResult struct {
	// TaskID is set when the provider accepted the request as a deferred task
	// instead of answering inline.
	TaskID string
	// Text is the accumulated assistant content with media payloads elided.
	Text string
	// URLs are the media locations extracted from the content, in order of
	// appearance. Data URIs are included as-is.
	URLs []string
	// Raw is the full provider response for callers that keep it.
	Raw json.RawMessage
}

// ProviderClient talks to an OpenAI-compatible generation endpoint.
// Responses stream as SSE "data:" lines; the assistant content mixes text,
// markdown image links, and inline base64 data URIs.
type ProviderClient struct {
	cfg    ProviderConfig
	client *http.Client
}

// NewProviderClient creates a provider client, applying defaults for unset fields.
func NewProviderClient(cfg ProviderConfig) *ProviderClient {
	if cfg.ImageModel == "" {
		cfg.ImageModel = defaultImageModel
	}
	if cfg.VideoModel == "" {
		cfg.VideoModel = defaultVideoModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGenTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &ProviderClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type streamChunk struct {
	TaskID  string `json:"task_id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// buildMessages assembles a single user message carrying the prompt followed
// by any reference media as image_url parts.
func buildMessages(prompt string, refs []string) []chatMessage {
	parts := []contentPart{{Type: "text", Text: prompt}}
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: ref}})
	}
	return []chatMessage{{Role: "user", Content: parts}}
}

var (
	dataURIPattern  = regexp.MustCompile(`data:(?:image|video)/[^;]+;base64,[A-Za-z0-9+/=]+`)
	mediaURLPattern = regexp.MustCompile(`(?i)https?://[^\s<>")]+\.(?:png|jpg|jpeg|gif|webp|mp4|webm)`)
)

// extractMedia pulls media references out of mixed assistant content and
// returns the content with each payload replaced by a short placeholder.
func extractMedia(content string) (urls []string, text string) {
	text = content
	for _, m := range dataURIPattern.FindAllString(content, -1) {
		urls = append(urls, m)
		text = strings.Replace(text, m, "[inline media]", 1)
	}
	for _, m := range mediaURLPattern.FindAllString(text, -1) {
		urls = append(urls, m)
	}
	return urls, strings.TrimSpace(text)
}

// Generate sends one generation request. onChunk receives each partial text
// delta as it streams in; pass nil to discard them.
func (c *ProviderClient) Generate(ctx context.Context, model, prompt string, refs []string, onChunk func(string)) (*GenerateResult, error) {
	body := map[string]any{
		"model":    model,
		"messages": buildMessages(prompt, refs),
		"stream":   true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "generate: failed to marshal request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "generate: failed to create request").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "generate: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, schema.NewErrorf(schema.ErrCodeTool, "generate: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		return c.readStream(resp.Body, onChunk)
	}
	return c.readJSON(resp.Body)
}

// readStream consumes SSE lines, firing onChunk per content delta and
// accumulating the full assistant content.
func (c *ProviderClient) readStream(r io.Reader, onChunk func(string)) (*GenerateResult, error) {
	var full strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.TaskID != "" {
			return &GenerateResult{TaskID: chunk.TaskID}, nil
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onChunk != nil && !strings.HasPrefix(delta, "data:") {
			onChunk(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "generate: stream read failed").WithCause(err)
	}

	urls, text := extractMedia(full.String())
	return &GenerateResult{Text: text, URLs: urls}, nil
}

// readJSON handles non-stream responses: either a deferred-task envelope or a
// complete chat completion.
func (c *ProviderClient) readJSON(r io.Reader) (*GenerateResult, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "generate: failed to read response").WithCause(err)
	}
	var chunk streamChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "generate: malformed provider response").WithCause(err)
	}
	if chunk.TaskID != "" {
		return &GenerateResult{TaskID: chunk.TaskID, Raw: raw}, nil
	}
	if len(chunk.Choices) == 0 {
		return nil, schema.NewError(schema.ErrCodeTool, "generate: provider response carried no choices")
	}
	urls, text := extractMedia(chunk.Choices[0].Message.Content)
	return &GenerateResult{Text: text, URLs: urls, Raw: raw}, nil
}

type taskStatusResponse struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// TaskStatus looks up a deferred generation task. Returns NOT_FOUND when the
// provider no longer knows the task.
func (c *ProviderClient) TaskStatus(ctx context.Context, taskID string) (*taskStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "task status: failed to create request").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "task status: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", taskID)
	}
	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "task status: provider returned %d", resp.StatusCode)
	}

	var ts taskStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&ts); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "task status: malformed response").WithCause(err)
	}
	return &ts, nil
}

// --- generate_image / generate_video ---

// GenerateTool runs a media generation request against the provider. One
// instance serves both image and video generation; they differ only in name,
// default model, and result media key.
type GenerateTool struct {
	name     string
	desc     string
	mediaKey string
	model    func(*ProviderClient) string
	client   *ProviderClient
}

// NewGenerateImageTool creates the generate_image tool.
func NewGenerateImageTool(client *ProviderClient) *GenerateTool {
	return &GenerateTool{
		name:     "generate_image",
		desc:     "Generate an image from a prompt and optional reference media.",
		mediaKey: "image_url",
		model:    func(c *ProviderClient) string { return c.cfg.ImageModel },
		client:   client,
	}
}

// NewGenerateVideoTool creates the generate_video tool.
func NewGenerateVideoTool(client *ProviderClient) *GenerateTool {
	return &GenerateTool{
		name:     "generate_video",
		desc:     "Generate a video from a prompt and optional reference media.",
		mediaKey: "video_url",
		model:    func(c *ProviderClient) string { return c.cfg.VideoModel },
		client:   client,
	}
}

func (t *GenerateTool) Name() string          { return t.name }
func (t *GenerateTool) Description() string   { return t.desc }
func (t *GenerateTool) RequiresSurface() bool { return false }

func (t *GenerateTool) Execute(ctx context.Context, inv *Invocation) (*schema.ToolResult, error) {
	prompt := stringParam(inv.Call.Args, "prompt", "")
	if prompt == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required arg 'prompt'", t.name)
	}
	refs := stringSliceParam(inv.Call.Args, "reference_images")
	model := stringParam(inv.Call.Args, "model", t.model(t.client))

	// A retry may re-attach to the task the previous run started instead of
	// paying for a second generation.
	if inv.RetryTaskID != "" {
		if res, ok := t.reattach(ctx, inv.RetryTaskID); ok {
			return res, nil
		}
	}

	var (
		result *GenerateResult
		err    error
	)
	for attempt := 0; attempt < t.client.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if werr := WaitForBackoff(ctx, ComputeBackoff(attempt-1)); werr != nil {
				return nil, werr
			}
		}
		result, err = t.client.Generate(ctx, model, prompt, refs, func(text string) {
			inv.Emit(schema.ChunkCommand(text))
		})
		if err == nil || !IsRetryableError(err) {
			break
		}
	}
	if err != nil {
		return &schema.ToolResult{Success: false, Error: err.Error()}, nil
	}

	if result.TaskID != "" {
		return &schema.ToolResult{Success: true, TaskID: result.TaskID}, nil
	}
	if len(result.URLs) == 0 {
		return &schema.ToolResult{Success: false, Error: fmt.Sprintf("%s: provider returned no media", t.name)}, nil
	}

	data, err := json.Marshal(map[string]any{
		t.mediaKey: result.URLs[0],
		"urls":     result.URLs,
		"text":     result.Text,
		"model":    model,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTool, "%s: failed to marshal result", t.name).WithCause(err)
	}
	return &schema.ToolResult{Success: true, Data: data}, nil
}

// reattach checks whether a previously-started provider task is still alive.
// Returns ok=false when the task is gone or ended badly, in which case the
// caller starts a fresh generation.
func (t *GenerateTool) reattach(ctx context.Context, taskID string) (*schema.ToolResult, bool) {
	ts, err := t.client.TaskStatus(ctx, taskID)
	if err != nil {
		return nil, false
	}
	switch schema.TaskStatus(ts.Status) {
	case schema.TaskCompleted:
		return &schema.ToolResult{Success: true, Data: ts.Result}, true
	case schema.TaskPending, schema.TaskProcessing, schema.TaskRetrying:
		return &schema.ToolResult{Success: true, TaskID: taskID}, true
	default:
		return nil, false
	}
}
