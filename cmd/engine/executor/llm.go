package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/miniflow/engine/cmd/engine/faults"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/template"
	"github.com/miniflow/engine/common/logger"
)

// chatClient is the slice of the OpenAI SDK the executor needs,
// extracted so tests can stub the upstream.
type chatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// LLM executes llm nodes: it renders the node's prompt over the run's
// prior outputs and sends a two-message chat completion.
type LLM struct {
	log          *logger.Logger
	defaultModel string
	envAPIKey    string
	envAPIBase   string

	// newClient is swapped out in tests.
	newClient func(apiKey, apiBase string) chatClient
}

// NewLLM creates the llm executor. envAPIKey and envAPIBase are the
// process-level fallbacks used when neither the node nor its model
// config carries credentials.
func NewLLM(log *logger.Logger, defaultModel, envAPIKey, envAPIBase string) *LLM {
	return &LLM{
		log:          log,
		defaultModel: defaultModel,
		envAPIKey:    envAPIKey,
		envAPIBase:   envAPIBase,
		newClient:    sdkClient,
	}
}

func sdkClient(apiKey, apiBase string) chatClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(apiBase))
	}
	client := openai.NewClient(opts...)
	return &client.Chat.Completions
}

// Execute satisfies the registry Func signature.
func (l *LLM) Execute(rc *RunContext, node *models.Node, input any) (any, error) {
	cfg, err := node.DecodeLLM()
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err)
	}

	model, apiKey, apiBase, err := l.resolveCredentials(rc.Workflow, cfg)
	if err != nil {
		return nil, err
	}

	vars := map[string]any{"current_input": input}
	for id, out := range rc.Outputs {
		vars[id] = out
	}
	prompt, missing := template.Render(cfg.Prompt, vars)
	if len(missing) > 0 {
		l.log.Warn("prompt references undefined outputs",
			"node_id", node.ID, "missing", strings.Join(missing, ","))
	}

	return l.complete(rc.Ctx, chatRequest{
		Model:       model,
		APIKey:      apiKey,
		APIBase:     apiBase,
		System:      prompt,
		User:        "Contextual Input: " + toJSON(input),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
}

// TestPrompt runs an llm node configuration standalone, outside any
// workflow, for the editor's node test button.
func (l *LLM) TestPrompt(ctx context.Context, wf *models.Workflow, node *models.Node, input any) (any, error) {
	rc := &RunContext{Ctx: ctx, Workflow: wf, Outputs: map[string]any{}, IsTest: true}
	return l.Execute(rc, node, input)
}

// TestConfig sends a model config's test message through the configured
// provider, verifying credentials end to end.
func (l *LLM) TestConfig(ctx context.Context, cfg *models.ModelConfig) (any, error) {
	model := cfg.Model
	if model == "" {
		model = l.defaultModel
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = l.envAPIKey
	}
	message := cfg.TestMessage
	if message == "" {
		message = "Reply with a single word: ok"
	}

	return l.complete(ctx, chatRequest{
		Model:   model,
		APIKey:  apiKey,
		APIBase: firstNonEmpty(cfg.APIBase, l.envAPIBase),
		System:  "You are a connectivity probe.",
		User:    message,
	})
}

type chatRequest struct {
	Model       string
	APIKey      string
	APIBase     string
	System      string
	User        string
	Temperature *float64
	MaxTokens   *int
}

func (l *LLM) complete(ctx context.Context, req chatRequest) (any, error) {
	if req.APIKey == "" {
		return nil, faults.New(faults.KindAuthentication, "no api key configured for model %s", req.Model)
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}

	completion, err := l.newClient(req.APIKey, req.APIBase).New(ctx, params)
	if err != nil {
		return nil, classifyChatError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, faults.New(faults.KindTransport, "empty completion from model %s", req.Model)
	}

	return map[string]any{
		"status":        "success",
		"full_response": completion.Choices[0].Message.Content,
		"details": map[string]any{
			"model": req.Model,
			"usage": map[string]any{
				"prompt_tokens":     completion.Usage.PromptTokens,
				"completion_tokens": completion.Usage.CompletionTokens,
				"total_tokens":      completion.Usage.TotalTokens,
			},
		},
	}, nil
}

// resolveCredentials picks the effective model, key and base URL: from
// the referenced model_config node when one is named, else from the
// node itself, else from the environment.
func (l *LLM) resolveCredentials(wf *models.Workflow, cfg *models.LLMConfig) (model, apiKey, apiBase string, err error) {
	model, apiKey, apiBase = cfg.Model, cfg.APIKey, cfg.APIBase

	if cfg.ModelConfigID != "" && wf != nil {
		ref := wf.NodeByID(cfg.ModelConfigID)
		if ref == nil || ref.Type != models.NodeModelConfig {
			return "", "", "", faults.New(faults.KindValidation, "model_config node %s not found", cfg.ModelConfigID)
		}
		mc, err := ref.DecodeModelConfig()
		if err != nil {
			return "", "", "", faults.Wrap(faults.KindValidation, err)
		}
		model = firstNonEmpty(mc.Model, model)
		apiKey = firstNonEmpty(mc.APIKey, apiKey)
		apiBase = firstNonEmpty(mc.APIBase, apiBase)
	}

	model = firstNonEmpty(model, l.defaultModel)
	apiKey = firstNonEmpty(apiKey, l.envAPIKey)
	apiBase = firstNonEmpty(apiBase, l.envAPIBase)

	if model == "" {
		return "", "", "", faults.New(faults.KindValidation, "no model configured for llm node")
	}
	return model, apiKey, apiBase, nil
}

// classifyChatError separates credential rejections from transport
// failures so the run log can tell them apart.
func classifyChatError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "unauthorized", "invalid api key", "incorrect api key", "authentication"} {
		if strings.Contains(msg, marker) {
			return faults.Wrap(faults.KindAuthentication, err)
		}
	}
	return faults.Wrap(faults.KindTransport, err)
}

func toJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
