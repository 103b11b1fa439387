package semanticscholar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"paper-pipeline/config"
	"paper-pipeline/fault"
	"paper-pipeline/models"
	"paper-pipeline/providers"
	"paper-pipeline/services"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// paperFields ist die explizite Feldliste für das Graph-API.
var paperFields = strings.Join([]string{
	"externalIds",
	"url",
	"title",
	"abstract",
	"venue",
	"year",
	"isOpenAccess",
	"openAccessPdf",
	"publicationDate",
	"journal",
	"authors",
	"tldr",
}, ",")

// Fetcher implementiert das Adapter-Interface für Semantic Scholar.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher erstellt einen neuen Semantic Scholar Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "semanticscholar"
}

// Eligible meldet, ob dieser Branch für die Anfrage laufen kann.
func (f *Fetcher) Eligible(req providers.Request) bool {
	return req.DOI != "" || req.ArxivID != ""
}

// RetryPolicy gibt maximale Versuche und Basis-Delay zurück.
func (f *Fetcher) RetryPolicy() (int, time.Duration) {
	return 3, 180 * time.Second
}

// Fetch holt die Metadaten über das Graph-API; DOI vor arXiv-ID.
func (f *Fetcher) Fetch(ctx context.Context, req providers.Request) (*services.SourceRecord, error) {
	log := f.Logger.With(zap.String("provider", f.Name()))

	var paperID string
	if req.DOI != "" {
		paperID = "DOI:" + req.DOI
	} else {
		paperID = "ARXIV:" + req.ArxivID
	}
	apiURL := fmt.Sprintf("%s/paper/%s?fields=%s", f.Config.SemanticScholarBaseURL,
		strings.ReplaceAll(paperID, " ", "%20"), paperFields)
	log.Debug("Rufe Semantic Scholar API auf", zap.String("url", apiURL))

	header := http.Header{}
	header.Set("Accept", "application/json")
	if f.Config.SemanticScholarAPIKey != "" {
		header.Set("x-api-key", f.Config.SemanticScholarAPIKey)
	}

	ctx, cancel := context.WithTimeout(ctx, f.Config.ExtendedTimeout())
	defer cancel()
	body, err := providers.FetchWithHeader(ctx, httpClient, f.Name(), apiURL, header)
	if err != nil {
		return nil, err
	}

	var payload paperResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fault.Wrap(fault.KindMalformedResponse, f.Name(), "antwort nicht dekodierbar", err)
	}
	if payload.Error != "" {
		return nil, fault.New(fault.KindMalformedResponse, f.Name(), "api-fehler: "+payload.Error)
	}
	if payload.PaperID == "" && payload.Title == "" {
		return nil, fault.New(fault.KindNotFound, f.Name(), "leere paper-antwort")
	}

	record := &services.SourceRecord{
		Title:    strings.TrimSpace(payload.Title),
		Abstract: strings.TrimSpace(payload.Abstract),
		Authors:  parseAuthors(payload.Authors),
		Contents: []services.ContentBlob{
			{Format: models.FormatJSONMetadata, Body: string(body)},
		},
	}

	// Ohne Abstract nehmen wir die TLDR-Zusammenfassung als Notlösung.
	if record.Abstract == "" && payload.TLDR != nil {
		record.Abstract = strings.TrimSpace(payload.TLDR.Text)
	}

	if payload.Journal != nil && payload.Journal.Name != "" {
		record.JournalName = payload.Journal.Name
	} else {
		record.JournalName = strings.TrimSpace(payload.Venue)
	}

	if payload.PublicationDate != "" {
		if t, err := time.Parse("2006-01-02", payload.PublicationDate); err == nil {
			record.PublicationDate = &t
		}
	}

	record.DOI = strings.ToLower(externalID(payload.ExternalIDs, "DOI"))
	record.ArxivID = externalID(payload.ExternalIDs, "ArXiv")
	record.PubmedID = externalID(payload.ExternalIDs, "PubMed")

	if payload.OpenAccessPdf != nil && payload.OpenAccessPdf.URL != "" {
		record.BestOAPDFURL = payload.OpenAccessPdf.URL
		record.PDFLink = payload.OpenAccessPdf.URL
	}

	log.Info("Semantic-Scholar-Daten geladen", zap.String("paper_id", paperID), zap.String("title", record.Title))
	return record, nil
}

// externalID liest einen Eintrag aus externalIds; die Werte sind je nach
// System String oder Zahl.
func externalID(ids map[string]any, key string) string {
	switch v := ids[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

// parseAuthors liest die Autorennamen aus der S2-Antwort.
func parseAuthors(authors []paperAuthor) []string {
	var out []string
	for _, a := range authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			out = append(out, name)
		}
	}
	return out
}
