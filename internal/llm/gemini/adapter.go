// Package gemini adapts Google's generative-ai-go streaming API to the
// core's abstract llm.ProviderStream contract.
package gemini

import (
	"context"
	"os"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/agentcore/core/internal/llm"
)

// Adapter implements llm.Provider over the Gemini SDK.
type Adapter struct {
	apiKey string
	model  string
	info   llm.ModelInfo
}

// New builds an Adapter for the given model, reading the API key from the
// environment (or a caller-supplied override).
func New(model, apiKey string) *Adapter {
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	return &Adapter{
		apiKey: apiKey,
		model:  model,
		info:   llm.ModelInfo{Provider: "google", Model: model, ContextWindow: 1000000, MaxOutputTokens: 8192},
	}
}

func (a *Adapter) Name() string        { return "google" }
func (a *Adapter) Info() llm.ModelInfo { return a.info }

// Model opens a streaming GenerateContent call and translates SDK chunks
// into the core's StreamEvent sequence on a ChanStream.
func (a *Adapter) Model(ctx context.Context, req llm.Request) (llm.ProviderStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	cs := llm.NewChanStream(64, cancel)

	go func() {
		defer cs.Finish()

		client, err := genai.NewClient(streamCtx, option.WithAPIKey(a.apiKey))
		if err != nil {
			cs.Push(llm.StreamEvent{Kind: llm.EventStreamEnd, FinishReason: llm.FinishError, Err: err})
			return
		}
		defer client.Close()

		gm := client.GenerativeModel(a.model)
		if req.SystemPrompt != "" {
			gm.SystemInstruction = genai.NewUserContent(genai.Text(req.SystemPrompt))
		}
		for _, t := range req.Tools {
			gm.Tools = append(gm.Tools, &genai.Tool{
				FunctionDeclarations: []*genai.FunctionDeclaration{{Name: t.Name, Description: t.Description}},
			})
		}

		var parts []genai.Part
		for _, m := range req.Messages {
			parts = append(parts, genai.Text(m.Text()))
		}

		iter := gm.GenerateContentStream(streamCtx, parts...)
		var usage llm.Usage
		for {
			resp, err := iter.Next()
			if err != nil {
				break
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, p := range cand.Content.Parts {
					switch v := p.(type) {
					case genai.Text:
						cs.Push(llm.StreamEvent{Kind: llm.EventTextDelta, Delta: string(v)})
					case genai.FunctionCall:
						tc := &llm.ToolCall{Name: v.Name, Arguments: v.Args}
						cs.Push(llm.StreamEvent{Kind: llm.EventToolCallStart, ToolCallName: v.Name})
						cs.Push(llm.StreamEvent{Kind: llm.EventToolCallEnd, ToolCall: tc})
					}
				}
			}
			if resp.UsageMetadata != nil {
				usage = llm.Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
				cs.Push(llm.StreamEvent{Kind: llm.EventUsageUpdate, Usage: usage})
			}
		}

		cs.Push(llm.StreamEvent{Kind: llm.EventStreamEnd, FinishReason: llm.FinishStop, Usage: usage})
	}()

	return cs, nil
}
