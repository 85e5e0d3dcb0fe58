package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-1.5-flash"

type geminiGenerator struct {
	client *genai.Client
	model  string
}

func NewGeminiGenerator(ctx context.Context, apiKey, model string) (Generator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &geminiGenerator{client: client, model: strings.TrimPrefix(model, "models/")}, nil
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.System)}}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	temperature := float32(req.Temperature)
	cfg.Temperature = &temperature
	if req.TopP > 0 {
		topP := float32(req.TopP)
		cfg.TopP = &topP
	}
	if req.TopK > 0 {
		topK := float32(req.TopK)
		cfg.TopK = &topK
	}
	return cfg
}

func geminiContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := "user"
		if m.Role == RoleModel {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{genai.NewPartFromText(m.Content)}})
	}
	return append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{genai.NewPartFromText(req.Prompt)}})
}

func (g *geminiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, geminiContents(req), geminiConfig(req)) {
		if err != nil {
			return err
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		cand := resp.Candidates[0]
		var sb strings.Builder
		for _, p := range cand.Content.Parts {
			if p.Text != "" && !p.Thought {
				sb.WriteString(p.Text)
			}
		}
		chunk := Chunk{
			Content: sb.String(),
			Partial: cand.FinishReason == "" || cand.FinishReason == genai.FinishReasonUnspecified,
			Latency: time.Since(start),
		}
		if u := resp.UsageMetadata; u != nil {
			chunk.PromptTokens = int(u.PromptTokenCount)
			chunk.CompletionTokens = int(u.CandidatesTokenCount)
		}
		if err := consumer(chunk); err != nil {
			return err
		}
		if cand.FinishReason == genai.FinishReasonSafety {
			return fmt.Errorf("gemini stopped: %s", cand.FinishReason)
		}
	}
	return nil
}
