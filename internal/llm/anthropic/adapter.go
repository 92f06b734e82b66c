// Package anthropic adapts the Anthropic Messages streaming API to the
// core's abstract llm.ProviderStream contract.
package anthropic

import (
	"context"
	"fmt"
	"os"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentcore/core/internal/llm"
)

// Adapter implements llm.Provider over the Anthropic SDK.
type Adapter struct {
	client sdk.Client
	model  string
	info   llm.ModelInfo
}

// New builds an Adapter for the given model, reading the API key from the
// environment (or a caller-supplied override).
func New(model, apiKey string) *Adapter {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return &Adapter{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		info:   llm.ModelInfo{Provider: "anthropic", Model: model, ContextWindow: 200000, MaxOutputTokens: 8192},
	}
}

func (a *Adapter) Name() string        { return "anthropic" }
func (a *Adapter) Info() llm.ModelInfo { return a.info }

// Model opens a streaming Messages request and translates SDK stream events
// into the core's StreamEvent sequence on a ChanStream.
func (a *Adapter) Model(ctx context.Context, req llm.Request) (llm.ProviderStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	cs := llm.NewChanStream(64, cancel)

	params := buildParams(a.model, req)

	go func() {
		defer cs.Finish()

		stream := a.client.Messages.NewStreaming(streamCtx, params)
		var usage llm.Usage
		var curToolID, curToolName string
		var curArgs string

		for stream.Next() {
			ev := stream.Current()
			switch ev.Type {
			case "content_block_delta":
				if d := ev.Delta.Text; d != "" {
					cs.Push(llm.StreamEvent{Kind: llm.EventTextDelta, Delta: d})
				}
				if d := ev.Delta.Thinking; d != "" {
					cs.Push(llm.StreamEvent{Kind: llm.EventThinkingDelta, Delta: d})
				}
				if d := ev.Delta.PartialJSON; d != "" && curToolID != "" {
					curArgs += d
					cs.Push(llm.StreamEvent{Kind: llm.EventToolCallArgs, ToolCallID: curToolID, ArgsDelta: d})
				}
			case "content_block_start":
				if ev.ContentBlock.Type == "tool_use" {
					curToolID = ev.ContentBlock.ID
					curToolName = ev.ContentBlock.Name
					curArgs = ""
					cs.Push(llm.StreamEvent{Kind: llm.EventToolCallStart, ToolCallID: curToolID, ToolCallName: curToolName})
				}
			case "content_block_stop":
				if curToolID != "" {
					tc := &llm.ToolCall{ID: curToolID, Name: curToolName, Arguments: parseArgs(curArgs)}
					cs.Push(llm.StreamEvent{Kind: llm.EventToolCallEnd, ToolCallID: curToolID, ToolCall: tc})
					curToolID = ""
				}
			case "message_delta":
				usage.OutputTokens += int(ev.Usage.OutputTokens)
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

func buildParams(model string, req llm.Request) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, toSDKMessage(m))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        t.Name,
				Description: sdk.String(t.Description),
			},
		})
	}
	return params
}

func toSDKMessage(m llm.Message) sdk.MessageParam {
	role := sdk.MessageParamRoleUser
	if m.Role == llm.RoleAssistant {
		role = sdk.MessageParamRoleAssistant
	}
	return sdk.MessageParam{Role: role, Content: []sdk.ContentBlockParamUnion{sdk.NewTextBlock(m.Text())}}
}

func parseArgs(raw string) map[string]any {
	m, err := unmarshalJSONObject(raw)
	if err != nil {
		return map[string]any{"_raw": raw}
	}
	return m
}

func isRetryable(err error) bool {
	var apiErr *sdk.Error
	if ok := asAPIError(err, &apiErr); ok {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func asAPIError(err error, target **sdk.Error) bool {
	ae, ok := err.(*sdk.Error)
	if !ok {
		return false
	}
	*target = ae
	return true
}

var _ = fmt.Sprintf
