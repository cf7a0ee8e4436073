package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"
)

const (
	extractSystemPrompt = `You are a document OCR engine. Extract all readable text from the supplied
document, preserving structure: keep tables, lists and headings in reading order.
Also describe what the document or image shows in one or two sentences.
Respond only with JSON of the form:
{"text": "<extracted text>", "confidence": <0.0-1.0>, "image_description": "<description>"}
If no text is readable, return an empty "text" and rely on "image_description".`

	extractUserPrompt = "Extract the text from this document."

	summarySystemPrompt = "You create concise, accurate summaries of documents."

	answerSystemPrompt = `You answer questions using only the supplied document text. Be accurate and
concise. If the answer is not in the text, say so clearly.`

	// MethodGeminiVision is the processing method recorded for Gemini extraction.
	MethodGeminiVision = "gemini_vision"

	summaryMaxChars = 500
)

var refusalPhrases = []string{
	"i can't assist",
	"i cannot assist",
	"i'm unable to help",
	"i am unable to help",
	"i'm sorry, but i can",
}

// generator is the subset of *genai.GenerativeModel the clients use.
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiConfig selects the Vertex AI project and models.
type GeminiConfig struct {
	ProjectID       string
	Region          string
	ExtractModel    string
	SummaryModel    string
	CredentialsFile string // optional; ADC when empty
	Logger          *slog.Logger
}

// Gemini implements Extractor and Summarizer on Vertex AI.
type Gemini struct {
	extractor  generator
	summarizer generator
	answerer   generator
	client     *genai.Client
	logger     *slog.Logger
}

// NewGemini creates a client holding the pre-configured models.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.ProjectID == "" || cfg.Region == "" {
		return nil, fmt.Errorf("NewGemini: project and region cannot be empty")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Region, opts...)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	extractModel := client.GenerativeModel(cfg.ExtractModel)
	extractModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(extractSystemPrompt)},
	}
	extractModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	summaryModel := client.GenerativeModel(cfg.SummaryModel)
	summaryModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(summarySystemPrompt)},
	}
	summaryModel.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.3),
	}

	answerModel := client.GenerativeModel(cfg.SummaryModel)
	answerModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(answerSystemPrompt)},
	}
	answerModel.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.3),
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("vertex ai client initialised",
		"project", cfg.ProjectID,
		"region", cfg.Region,
		"extract_model", cfg.ExtractModel,
		"summary_model", cfg.SummaryModel,
	)

	return &Gemini{
		extractor:  extractModel,
		summarizer: summaryModel,
		answerer:   answerModel,
		client:     client,
		logger:     logger,
	}, nil
}

func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Extract sends the file inline and parses the model's JSON reply.
func (g *Gemini) Extract(ctx context.Context, path, mimeType string) (*Extraction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", mimeType, err)
	}

	resp, err := g.extractor.GenerateContent(ctx,
		genai.Blob{MIMEType: mimeType, Data: data},
		genai.Text(extractUserPrompt),
	)
	if err != nil {
		return nil, fmt.Errorf("gemini extraction: %w", err)
	}

	raw := responseText(resp)
	if raw == "" {
		return nil, errors.New("gemini returned an empty extraction response")
	}

	var out Extraction
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		g.logger.Warn("unparseable extraction response", "error", err, "response_len", len(raw))
		return nil, fmt.Errorf("parse extraction JSON: %w", err)
	}
	out.Text = strings.TrimSpace(out.Text)
	out.ImageDescription = strings.TrimSpace(out.ImageDescription)
	if out.Confidence < 0 || out.Confidence > 1 {
		out.Confidence = 0
	}
	out.Method = MethodGeminiVision
	return &out, nil
}

// Summarize returns a short summary of text.
func (g *Gemini) Summarize(ctx context.Context, text string) (string, error) {
	prompt := fmt.Sprintf("Provide a concise summary of the following text in %d characters or less:\n\n%s\n\nSummary:",
		summaryMaxChars, text)
	return g.complete(ctx, g.summarizer, "summary", prompt)
}

// Answer answers question from the supplied document text.
func (g *Gemini) Answer(ctx context.Context, question, docText string) (string, error) {
	prompt := fmt.Sprintf("Document text:\n%s\n\nQuestion: %s\n\nAnswer:", docText, question)
	return g.complete(ctx, g.answerer, "answer", prompt)
}

func (g *Gemini) complete(ctx context.Context, model generator, what, prompt string) (string, error) {
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini %s: %w", what, err)
	}
	out := strings.TrimSpace(responseText(resp))
	if out == "" {
		return "", fmt.Errorf("gemini returned an empty %s", what)
	}
	if isRefusal(out) {
		return "", fmt.Errorf("gemini declined to produce a %s", what)
	}
	return out, nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isRefusal(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range refusalPhrases {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
