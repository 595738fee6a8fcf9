package assist

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/generative-ai-go/genai"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"
)

func TestAssist(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Assist Suite")
}

var _ = Describe("parseReportJSON", func() {
	It("reads a complete reply", func() {
		report, err := parseReportJSON(`{"plate": "аа1234вв", "mileage": 55500, "liters": "45.5", "price_per_liter": 52.5, "station": "okko", "full_tank": true}`, "щось незрозуміле")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Plate).To(Equal("АА 1234 ВВ"))
		Expect(report.Mileage).To(Equal(55500))
		Expect(report.Liters.Equal(decimal.RequireFromString("45.5"))).To(BeTrue())
		Expect(report.PricePerLiter.Equal(decimal.RequireFromString("52.5"))).To(BeTrue())
		Expect(report.Station).To(Equal("OKKO"))
		Expect(report.FullTank).To(BeTrue())
		Expect(report.RawText).To(Equal("щось незрозуміле"))
		Expect(report.Parsed).To(BeTrue())
	})

	It("strips code fences and surrounding chatter", func() {
		report, err := parseReportJSON("```json\nHere you go: {\"plate\": null, \"liters\": 40, \"price_per_liter\": 50}\n```", "x")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Plate).To(BeEmpty())
		Expect(report.Parsed).To(BeTrue())
	})

	It("applies the parse rule to sparse replies", func() {
		report, err := parseReportJSON(`{"plate": null, "mileage": null, "liters": 40, "price_per_liter": null}`, "x")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Parsed).To(BeFalse())
	})

	It("keeps override markers from the original text", func() {
		report, err := parseReportJSON(`{"plate": "AA 1234 BB"}`, "машина АА1234ВВ #Підтверджую")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Override).To(BeTrue())
	})

	It("drops implausible mileage", func() {
		report, err := parseReportJSON(`{"plate": "AA 1234 BB", "mileage": 12}`, "x")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Mileage).To(BeZero())
	})

	It("fails without a JSON object", func() {
		_, err := parseReportJSON("I cannot help with that", "x")
		Expect(err).To(MatchError(ContainSubstring("no JSON object")))
	})

	It("fails on malformed JSON", func() {
		_, err := parseReportJSON(`{"plate": }`, "x")
		Expect(err).To(HaveOccurred())
	})
})

// mockGenerator is a mock implementation of generator
type mockGenerator struct {
	reply       string
	generateErr error
	prompt      string
}

func (m *mockGenerator) GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	if len(parts) > 0 {
		if t, ok := parts[0].(genai.Text); ok {
			m.prompt = string(t)
		}
	}
	if m.generateErr != nil {
		return nil, m.generateErr
	}
	if m.reply == "" {
		return &genai.GenerateContentResponse{}, nil
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(m.reply)}},
		}},
	}, nil
}

var _ = Describe("Gemini", func() {
	var (
		model  *mockGenerator
		gemini *Gemini
	)

	BeforeEach(func() {
		model = &mockGenerator{reply: `{"plate": "KA 0001 AB", "liters": 30, "price_per_liter": 51}`}
		gemini = &Gemini{model: model}
	})

	It("sends the message with the prompt and parses the reply", func() {
		report, err := gemini.Extract(context.Background(), "Ка0001Аб тридцять літрів")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Plate).To(Equal("KA 0001 AB"))
		Expect(model.prompt).To(HavePrefix(reportPrompt))
		Expect(model.prompt).To(HaveSuffix("Ка0001Аб тридцять літрів"))
	})

	It("fails on an empty response", func() {
		model.reply = ""
		_, err := gemini.Extract(context.Background(), "x")
		Expect(err).To(MatchError(ContainSubstring("no response")))
	})

	It("wraps API errors", func() {
		model.generateErr = errors.New("quota exceeded")
		_, err := gemini.Extract(context.Background(), "x")
		Expect(err).To(MatchError(ContainSubstring("quota exceeded")))
	})

	It("closes without a client", func() {
		Expect(gemini.Close()).To(Succeed())
	})

	It("requires an API key", func() {
		_, err := NewGemini("", "")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		ollama *Ollama
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		ollama = NewOllama(server.URL(), "llama3.2")
	})

	AfterEach(func() {
		server.Close()
	})

	It("posts a non-streaming JSON chat and parses the reply", func() {
		server.AppendHandlers(ghttp.CombineHandlers(
			ghttp.VerifyRequest("POST", "/api/chat"),
			ghttp.VerifyContentType("application/json"),
			func(w http.ResponseWriter, r *http.Request) {
				var req ollamaChatRequest
				Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
				Expect(req.Model).To(Equal("llama3.2"))
				Expect(req.Stream).To(BeFalse())
				Expect(req.Format).To(Equal("json"))
				Expect(req.Messages).To(HaveLen(2))
			},
			ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
				Message: ollamaMessage{Role: "assistant", Content: `{"plate": "AA 1234 BB", "mileage": 55500}`},
				Done:    true,
			}),
		))

		report, err := ollama.Extract(context.Background(), "x")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Plate).To(Equal("AA 1234 BB"))
		Expect(report.Mileage).To(Equal(55500))
	})

	It("reports API errors with the status", func() {
		server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"error":"model not found"}`))
		_, err := ollama.Extract(context.Background(), "x")
		Expect(err).To(MatchError(ContainSubstring("status 404")))
	})

	It("defaults the URL and model", func() {
		o := NewOllama("", "")
		Expect(o.baseURL).To(Equal("http://localhost:11434"))
		Expect(o.model).To(Equal("llama3.2"))
		Expect(o.Close()).To(Succeed())
	})
})
