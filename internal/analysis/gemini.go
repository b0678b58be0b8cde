// Package analysis wraps the content-understanding model: transcription of audio,
// structured summarization, and attaching PDFs as summarization context.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/aura-lectures/backend/internal/models"
)

// ErrUnsuitableContent is returned when the model refuses or blocks the content.
var ErrUnsuitableContent = errors.New("content unsuitable for processing")

const transcribeSystemPrompt = "You are a precise transcription engine for recorded lectures and meetings."

const transcribePrompt = `Transcribe the attached audio verbatim.
Return JSON with exactly two keys:
- "text": the full transcript as plain text, paragraphs separated by blank lines.
- "durationSeconds": the length of the audio in whole seconds, or 0 if unknown.`

const summarizeSystemPrompt = "You are an assistant that turns lecture transcripts into study material. You must output valid JSON."

const summarizePrompt = `Summarize the transcript below. If a slide deck is attached, use it to correct
terminology and to structure the summary, but do not invent content that was not said.

Return one JSON object with these keys:
- "summary": 3-6 paragraphs of prose.
- "keyPoints": array of short strings.
- "topics": array of 3-8 short topic names suitable as search queries.
- "glossary": array of {"term": string, "definition": string}.

Transcript:
`

// SummaryResult is the structured output of Summarize.
type SummaryResult struct {
	Summary   string                 `json:"summary"`
	KeyPoints []string               `json:"keyPoints"`
	Topics    []string               `json:"topics"`
	Glossary  []models.GlossaryEntry `json:"glossary"`
}

// Transcript is the output of Transcribe.
type Transcript struct {
	Text            string `json:"text"`
	DurationSeconds int    `json:"durationSeconds"`
}

// Config configures the Gemini client.
type Config struct {
	APIKey string
	Model  string
	// FilePollInterval and FilePollTimeout bound the wait for uploaded files to
	// become usable.
	FilePollInterval time.Duration
	FilePollTimeout  time.Duration
}

// Gemini implements the analysis service on the Gemini API.
type Gemini struct {
	client      *genai.Client
	transcriber *genai.GenerativeModel
	summarizer  *genai.GenerativeModel
	cfg         Config
	logger      *zap.Logger
}

// NewGemini creates the client and configures one model per task.
func NewGemini(ctx context.Context, cfg Config, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key must be set")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.FilePollInterval <= 0 {
		cfg.FilePollInterval = 2 * time.Second
	}
	if cfg.FilePollTimeout <= 0 {
		cfg.FilePollTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	transcriber := client.GenerativeModel(cfg.Model)
	transcriber.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(transcribeSystemPrompt)}}
	transcriber.ResponseMIMEType = "application/json"
	transcriber.SetTemperature(0)

	summarizer := client.GenerativeModel(cfg.Model)
	summarizer.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(summarizeSystemPrompt)}}
	summarizer.ResponseMIMEType = "application/json"
	summarizer.SetTemperature(0.2)

	return &Gemini{client: client, transcriber: transcriber, summarizer: summarizer, cfg: cfg, logger: logger}, nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

// Transcribe uploads the audio file and returns its transcript.
func (g *Gemini) Transcribe(ctx context.Context, audioPath string) (*Transcript, error) {
	file, err := g.upload(ctx, audioPath, audioMIMEType(audioPath))
	if err != nil {
		return nil, err
	}
	defer g.deleteFile(file.Name)

	resp, err := g.transcriber.GenerateContent(ctx,
		genai.FileData{MIMEType: file.MIMEType, URI: file.URI},
		genai.Text(transcribePrompt))
	if err != nil {
		return nil, classify(err)
	}
	raw, err := responseText(resp)
	if err != nil {
		return nil, err
	}
	var out Transcript
	if err := decode(raw, &out); err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, fmt.Errorf("empty transcript")
	}
	return &out, nil
}

// AttachDocument uploads a PDF so later Summarize calls can reference it by URI.
func (g *Gemini) AttachDocument(ctx context.Context, pdfPath string) (string, error) {
	file, err := g.upload(ctx, pdfPath, "application/pdf")
	if err != nil {
		return "", err
	}
	return file.URI, nil
}

// Summarize produces structured study material from a transcript. docURI, when set,
// is a PDF previously attached with AttachDocument.
func (g *Gemini) Summarize(ctx context.Context, transcript, docURI string) (*SummaryResult, error) {
	parts := []genai.Part{genai.Text(summarizePrompt + transcript)}
	if docURI != "" {
		parts = append([]genai.Part{genai.FileData{MIMEType: "application/pdf", URI: docURI}}, parts...)
	}
	resp, err := g.summarizer.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, classify(err)
	}
	raw, err := responseText(resp)
	if err != nil {
		return nil, err
	}
	var out SummaryResult
	if err := decode(raw, &out); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, fmt.Errorf("empty summary")
	}
	return &out, nil
}

func (g *Gemini) upload(ctx context.Context, path, mimeType string) (*genai.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	file, err := g.client.UploadFile(ctx, "", f, &genai.UploadFileOptions{
		DisplayName: filepath.Base(path),
		MIMEType:    mimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}

	deadline := time.Now().Add(g.cfg.FilePollTimeout)
	for file.State == genai.FileStateProcessing {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("file %s still processing after %s", file.Name, g.cfg.FilePollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.cfg.FilePollInterval):
		}
		if file, err = g.client.GetFile(ctx, file.Name); err != nil {
			return nil, fmt.Errorf("get file: %w", err)
		}
	}
	if file.State != genai.FileStateActive {
		return nil, fmt.Errorf("file %s in state %v", file.Name, file.State)
	}
	g.logger.Debug("file attached", zap.String("name", file.Name), zap.String("mime_type", mimeType))
	return file, nil
}

func (g *Gemini) deleteFile(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.client.DeleteFile(ctx, name); err != nil {
		g.logger.Warn("delete uploaded file failed", zap.String("name", name), zap.Error(err))
	}
}

// classify maps model refusals onto ErrUnsuitableContent.
func classify(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return fmt.Errorf("%w: %v", ErrUnsuitableContent, err)
	}
	return fmt.Errorf("generate content: %w", err)
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot provide",
	"as a large language model",
}

// maxRefusalLen bounds the replies treated as refusals. Anything longer is content.
const maxRefusalLen = 500

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no candidates in model response")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: response blocked by safety filter", ErrUnsuitableContent)
	}
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String(), nil
}

// decode parses the model's JSON reply into v. Refusal phrases are only looked for
// in a short reply that is not JSON, so transcripts quoting them still parse.
func decode(raw string, v any) error {
	cleaned := cleanJSON(raw)
	err := json.Unmarshal([]byte(cleaned), v)
	if err == nil {
		return nil
	}
	if isRefusal(cleaned) {
		return fmt.Errorf("%w: model refused", ErrUnsuitableContent)
	}
	return err
}

func isRefusal(text string) bool {
	if len(text) > maxRefusalLen || strings.HasPrefix(text, "{") {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// cleanJSON strips a Markdown code fence the model sometimes wraps JSON in.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func audioMIMEType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return "audio/mp3"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".aac":
		return "audio/aac"
	case ".m4a":
		return "audio/mp4"
	}
	return "audio/mpeg"
}
