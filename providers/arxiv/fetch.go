package arxiv

import (
	"context"
	"encoding/xml"
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

// Fetcher implementiert das Adapter-Interface für das arXiv-Export-API.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher erstellt einen neuen arXiv Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "arxiv"
}

// Eligible meldet, ob dieser Branch für die Anfrage laufen kann.
func (f *Fetcher) Eligible(req providers.Request) bool {
	return req.ArxivID != ""
}

// RetryPolicy gibt maximale Versuche und Basis-Delay zurück.
func (f *Fetcher) RetryPolicy() (int, time.Duration) {
	return 3, 120 * time.Second
}

// Fetch holt den Atom-Eintrag zu einer arXiv-ID.
func (f *Fetcher) Fetch(ctx context.Context, req providers.Request) (*services.SourceRecord, error) {
	log := f.Logger.With(zap.String("provider", f.Name()), zap.String("arxiv_id", req.ArxivID))

	apiURL := fmt.Sprintf("%s/query?id_list=%s&max_results=1", f.Config.ArxivBaseURL, req.ArxivID)
	log.Debug("Rufe arXiv API auf", zap.String("url", apiURL))

	ctx, cancel := context.WithTimeout(ctx, f.Config.MetadataTimeout())
	defer cancel()
	body, err := providers.FetchXML(ctx, httpClient, f.Name(), apiURL)
	if err != nil {
		return nil, err
	}

	var payload feed
	if err := xml.Unmarshal(body, &payload); err != nil {
		return nil, fault.Wrap(fault.KindMalformedResponse, f.Name(), "atom-feed nicht parsebar", err)
	}
	if len(payload.Entries) == 0 {
		return nil, fault.New(fault.KindNotFound, f.Name(), "kein <entry> im feed")
	}
	e := payload.Entries[0]

	record := &services.SourceRecord{
		ArxivID:  req.ArxivID,
		DOI:      strings.ToLower(strings.TrimSpace(e.DOI)),
		Title:    collapseWhitespace(e.Title),
		Abstract: collapseWhitespace(e.Summary),
		Authors:  parseAuthors(e.Authors),
	}
	record.PublicationDate = parseAtomDate(e.Updated, e.Published)

	if pdfLink := findPDFLink(e.Links); pdfLink != "" {
		record.BestOAPDFURL = pdfLink
		record.PDFLink = pdfLink
		record.Contents = append(record.Contents, services.ContentBlob{
			Format: models.FormatLinkPDF, Body: pdfLink,
		})
	}
	record.Contents = append(record.Contents, services.ContentBlob{
		Format: models.FormatXMLAtomEntry, Body: extractEntryXML(string(body)),
	})

	log.Info("arXiv-Daten geladen", zap.String("title", record.Title), zap.Int("authors", len(record.Authors)))
	return record, nil
}

// findPDFLink sucht den Link mit title="pdf" im Atom-Eintrag.
func findPDFLink(links []entryLink) string {
	for _, l := range links {
		if l.Title == "pdf" && l.Href != "" {
			return l.Href
		}
	}
	return ""
}

// parseAtomDate bevorzugt das updated- vor dem published-Datum.
func parseAtomDate(updated, published string) *time.Time {
	for _, raw := range []string{updated, published} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse("2006-01-02T15:04:05Z", strings.TrimSpace(raw)); err == nil {
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &day
		}
	}
	return nil
}

// parseAuthors liest die Autorennamen aus dem Atom-Eintrag.
func parseAuthors(authors []entryAuthor) []string {
	var out []string
	for _, a := range authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// collapseWhitespace normalisiert die mehrzeiligen Atom-Textfelder.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// extractEntryXML schneidet das rohe <entry>-Element aus dem Feed, damit der
// Provenance-Cache nur den Artikel-Teil hält.
func extractEntryXML(feedXML string) string {
	start := strings.Index(feedXML, "<entry")
	end := strings.LastIndex(feedXML, "</entry>")
	if start == -1 || end == -1 || end < start {
		return feedXML
	}
	return feedXML[start : end+len("</entry>")]
}
