// Package openai adapts the OpenAI Chat Completions streaming API to the
// core's abstract llm.ProviderStream contract.
package openai

import (
	"context"
	"encoding/json"
	"os"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/agentcore/core/internal/llm"
)

// Adapter implements llm.Provider over the OpenAI SDK.
type Adapter struct {
	client sdk.Client
	model  string
	info   llm.ModelInfo
}

// New builds an Adapter for the given model, reading the API key from the
// environment (or a caller-supplied override).
func New(model, apiKey string) *Adapter {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return &Adapter{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		info:   llm.ModelInfo{Provider: "openai", Model: model, ContextWindow: 128000, MaxOutputTokens: 4096},
	}
}

func (a *Adapter) Name() string        { return "openai" }
func (a *Adapter) Info() llm.ModelInfo { return a.info }

// Model opens a streaming chat completion and translates SDK chunks into
// the core's StreamEvent sequence on a ChanStream.
func (a *Adapter) Model(ctx context.Context, req llm.Request) (llm.ProviderStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	cs := llm.NewChanStream(64, cancel)

	params := buildParams(a.model, req)

	go func() {
		defer cs.Finish()

		stream := a.client.Chat.Completions.NewStreaming(streamCtx, params)
		var usage llm.Usage
		toolArgs := map[string]string{}
		toolNames := map[string]string{}

		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					cs.Push(llm.StreamEvent{Kind: llm.EventTextDelta, Delta: choice.Delta.Content})
				}
				for _, tc := range choice.Delta.ToolCalls {
					id := tc.ID
					if id == "" {
						continue
					}
					if _, seen := toolNames[id]; !seen {
						toolNames[id] = tc.Function.Name
						cs.Push(llm.StreamEvent{Kind: llm.EventToolCallStart, ToolCallID: id, ToolCallName: tc.Function.Name})
					}
					if tc.Function.Arguments != "" {
						toolArgs[id] += tc.Function.Arguments
						cs.Push(llm.StreamEvent{Kind: llm.EventToolCallArgs, ToolCallID: id, ArgsDelta: tc.Function.Arguments})
					}
				}
				if choice.FinishReason == "tool_calls" || choice.FinishReason == "stop" {
					for id, name := range toolNames {
						tc := &llm.ToolCall{ID: id, Name: name, Arguments: parseArgs(toolArgs[id])}
						cs.Push(llm.StreamEvent{Kind: llm.EventToolCallEnd, ToolCallID: id, ToolCall: tc})
					}
				}
			}
			if chunk.Usage.TotalTokens > 0 {
				usage = llm.Usage{InputTokens: int(chunk.Usage.PromptTokens), OutputTokens: int(chunk.Usage.CompletionTokens)}
				cs.Push(llm.StreamEvent{Kind: llm.EventUsageUpdate, Usage: usage})
			}
		}

		if err := stream.Err(); err != nil {
			cs.Push(llm.StreamEvent{Kind: llm.EventStreamEnd, FinishReason: llm.FinishError, Err: err, Retryable: isRetryable(err)})
			return
		}
		cs.Push(llm.StreamEvent{Kind: llm.EventStreamEnd, FinishReason: llm.FinishStop, Usage: usage})
	}()

	return cs, nil
}

func buildParams(model string, req llm.Request) sdk.ChatCompletionNewParams {
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(model),
	}
	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, sdk.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		if m.Role == llm.RoleAssistant {
			params.Messages = append(params.Messages, sdk.AssistantMessage(m.Text()))
		} else {
			params.Messages = append(params.Messages, sdk.UserMessage(m.Text()))
		}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, sdk.ChatCompletionToolParam{
			Function: sdk.FunctionDefinitionParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
			},
		})
	}
	return params
}

func parseArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{"_raw": raw}
	}
	return m
}

func isRetryable(err error) bool {
	var apiErr *sdk.Error
	if ae, ok := err.(*sdk.Error); ok {
		apiErr = ae
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
