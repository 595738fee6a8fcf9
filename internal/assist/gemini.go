package assist

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/fleet-fuel/internal/parser"
)

const geminiTimeout = 30 * time.Second

// generator is the part of genai.GenerativeModel Gemini uses.
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Gemini implements the Extractor interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  generator
}

// NewGemini creates a new Gemini Extractor instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrap(err, "creating gemini client")
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{client: client, model: model}, nil
}

// Extract asks Gemini to read text
func (g *Gemini) Extract(ctx context.Context, text string) (parser.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, geminiTimeout)
	defer cancel()

	resp, err := g.model.GenerateContent(ctx, genai.Text(reportPrompt+text))
	if err != nil {
		return parser.Report{}, errors.Wrap(err, "generating content")
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return parser.Report{}, errors.New("no response from gemini")
	}

	var reply strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			reply.WriteString(string(t))
		}
	}

	report, err := parseReportJSON(reply.String(), text)
	if err != nil {
		return parser.Report{}, errors.Wrap(err, "parsing gemini reply")
	}
	return report, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
