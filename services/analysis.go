package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"paper-pipeline/config"
	"paper-pipeline/fault"
	"paper-pipeline/models"
)

var llmClient = &http.Client{Timeout: 120 * time.Second}

// jsonObjectPattern fischt ein JSON-Objekt aus einer Antwort, die trotz
// JSON-Mode mit Prosa oder Markdown-Zäunen dekoriert ist.
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

const stubModelName = "stub_model"

// AnalysisService prüft ein Text-Segment gegen seine zitierten Referenzen
// per LLM. Ohne konfigurierten API-Key liefert er ein gekennzeichnetes
// Stub-Ergebnis, damit der Rest der Pipeline testbar bleibt.
type AnalysisService struct {
	cfg *config.Config
	log *zap.Logger
}

// NewAnalysisService erstellt einen AnalysisService.
func NewAnalysisService(cfg *config.Config, logger *zap.Logger) *AnalysisService {
	return &AnalysisService{
		cfg: cfg,
		log: logger.With(zap.String("service", "segment_analysis")),
	}
}

type chatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type analysisVerdict struct {
	Notes         string   `json:"analysis_notes"`
	VeracityScore *float64 `json:"veracity_score"`
}

// AnalyzeSegment bewertet, ob die zitierten Referenzen die Aussage des
// Segments stützen, und schreibt das Ergebnis in die Segment-Zeile.
func (s *AnalysisService) AnalyzeSegment(ctx context.Context, db *gorm.DB, segmentID uint, userID uint) (*models.AnalyzedSegment, error) {
	var seg models.AnalyzedSegment
	err := db.Preload("CitedReferences").Preload("CitedReferences.ResolvedArticle").
		Joins("Article").First(&seg, segmentID).Error
	if err != nil {
		return nil, fault.Wrap(fault.KindNotFound, "segment_analysis",
			fmt.Sprintf("segment %d nicht gefunden", segmentID), err)
	}
	if seg.Article.UserID == nil || *seg.Article.UserID != userID {
		return nil, fault.New(fault.KindPermission, "segment_analysis",
			fmt.Sprintf("segment %d gehört nicht zu user %d", segmentID, userID))
	}

	prompt := s.buildPrompt(&seg)

	var verdict analysisVerdict
	modelName := stubModelName
	if s.cfg.LLMAPIKey == "" {
		s.log.Warn("Kein LLM-Key konfiguriert, Analyse läuft als Stub", zap.Uint("segment_id", segmentID))
		verdict = analysisVerdict{
			Notes: "Analyse ohne konfiguriertes Modell ausgeführt; keine inhaltliche Bewertung möglich.",
		}
	} else {
		verdict, err = s.callLLM(ctx, prompt)
		if err != nil {
			return nil, err
		}
		modelName = s.cfg.LLMModel
	}

	seg.LLMAnalysisNotes = verdict.Notes
	seg.LLMVeracityScore = verdict.VeracityScore
	seg.LLMModelName = modelName
	seg.PromptUsed = prompt
	if err := db.Save(&seg).Error; err != nil {
		return nil, fault.ClassifyDB(err)
	}

	s.log.Info("Segment analysiert",
		zap.Uint("segment_id", segmentID),
		zap.String("model", modelName),
		zap.Int("cited_references", len(seg.CitedReferences)))
	return &seg, nil
}

// buildPrompt setzt Segmenttext und Referenz-Zusammenfassungen zu einem
// Prüfauftrag zusammen.
func (s *AnalysisService) buildPrompt(seg *models.AnalyzedSegment) string {
	var b strings.Builder
	b.WriteString("You are a scientific fact-checking assistant. Evaluate whether the cited references plausibly support the claim made in the text segment.\n\n")
	b.WriteString("TEXT SEGMENT:\n")
	b.WriteString(seg.SegmentText)
	b.WriteString("\n\nCITED REFERENCES:\n")
	if len(seg.CitedReferences) == 0 {
		b.WriteString("(no linked references)\n")
	}
	for i, ref := range seg.CitedReferences {
		b.WriteString(fmt.Sprintf("[%d] %s\n", i+1, referenceSummary(&ref)))
	}
	b.WriteString("\nRespond as JSON: {\"analysis_notes\": \"…\", \"veracity_score\": 0.0-1.0 or null}")
	return b.String()
}

// referenceSummary beschreibt eine Referenz so informativ wie möglich:
// aufgelöster Artikel vor manuellen Metadaten vor Rohtext.
func referenceSummary(ref *models.ReferenceLink) string {
	if ref.ResolvedArticle != nil {
		body := ref.ResolvedArticle.CleanedTextForLLM
		if body == "" {
			body = ref.ResolvedArticle.Abstract
		}
		if len(body) > 500 {
			body = body[:500] + "…"
		}
		if body != "" {
			return fmt.Sprintf("%s — %s", ref.ResolvedArticle.Title, body)
		}
		return ref.ResolvedArticle.Title
	}
	if len(ref.ManualDataJSON) > 0 {
		var manual map[string]any
		if err := json.Unmarshal(ref.ManualDataJSON, &manual); err == nil {
			if title, _ := manual["title"].(string); title != "" {
				return title
			}
		}
	}
	raw := strings.TrimSpace(ref.RawReferenceText)
	if len(raw) > 150 {
		raw = raw[:150] + "…"
	}
	if raw == "" {
		return "(unresolved reference without metadata)"
	}
	return raw
}

func (s *AnalysisService) callLLM(ctx context.Context, prompt string) (analysisVerdict, error) {
	payload := chatCompletionRequest{
		Model: s.cfg.LLMModel,
		Messages: []chatMessage{
			{Role: "system", Content: "You respond with a single JSON object and nothing else."},
			{Role: "user", Content: prompt},
		},
		Temperature:    0.1,
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return analysisVerdict{}, fault.Wrap(fault.KindUnknown, "segment_analysis", "request nicht serialisierbar", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.LLMBaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return analysisVerdict{}, fault.Wrap(fault.KindUnknown, "segment_analysis", "request-aufbau fehlgeschlagen", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.LLMAPIKey)

	resp, err := llmClient.Do(req)
	if err != nil {
		return analysisVerdict{}, fault.Wrap(fault.KindTransientNetwork, "segment_analysis", "llm-endpoint nicht erreichbar", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return analysisVerdict{}, fault.New(fault.KindTransientNetwork, "segment_analysis",
			fmt.Sprintf("llm antwortete mit status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return analysisVerdict{}, fault.New(fault.KindMalformedResponse, "segment_analysis",
			fmt.Sprintf("llm antwortete mit status %d", resp.StatusCode))
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return analysisVerdict{}, fault.Wrap(fault.KindMalformedResponse, "segment_analysis", "antwort nicht dekodierbar", err)
	}
	if len(completion.Choices) == 0 {
		return analysisVerdict{}, fault.New(fault.KindMalformedResponse, "segment_analysis", "llm lieferte keine choices")
	}

	content := completion.Choices[0].Message.Content
	var verdict analysisVerdict
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		// Manche Modelle umhüllen das JSON trotzdem mit Text.
		match := jsonObjectPattern.FindString(content)
		if match == "" || json.Unmarshal([]byte(match), &verdict) != nil {
			return analysisVerdict{}, fault.New(fault.KindMalformedResponse, "segment_analysis",
				"llm-antwort enthielt kein parsebares json")
		}
	}
	return verdict, nil
}
