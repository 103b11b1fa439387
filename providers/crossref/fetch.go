package crossref

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
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

// Fetcher implementiert das Adapter-Interface für CrossRef.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher erstellt einen neuen CrossRef Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "crossref"
}

// Eligible meldet, ob dieser Branch für die Anfrage laufen kann.
func (f *Fetcher) Eligible(req providers.Request) bool {
	return req.DOI != ""
}

// RetryPolicy gibt maximale Versuche und Basis-Delay zurück.
func (f *Fetcher) RetryPolicy() (int, time.Duration) {
	return 3, 60 * time.Second
}

// Fetch holt die Metadaten zu einer DOI von CrossRef.
func (f *Fetcher) Fetch(ctx context.Context, req providers.Request) (*services.SourceRecord, error) {
	log := f.Logger.With(zap.String("provider", f.Name()), zap.String("doi", req.DOI))

	apiURL := fmt.Sprintf("%s/works/%s", f.Config.CrossrefBaseURL, url.PathEscape(req.DOI))
	if f.Config.CrossrefMailto != "" {
		apiURL += "?mailto=" + url.QueryEscape(f.Config.CrossrefMailto)
	}
	log.Debug("Rufe CrossRef API auf", zap.String("url", apiURL))

	ctx, cancel := context.WithTimeout(ctx, f.Config.MetadataTimeout())
	defer cancel()
	body, err := providers.FetchJSON(ctx, httpClient, f.Name(), apiURL)
	if err != nil {
		return nil, err
	}

	var payload worksResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fault.Wrap(fault.KindMalformedResponse, f.Name(), "antwort nicht dekodierbar", err)
	}
	if payload.Message.DOI == "" && len(payload.Message.Title) == 0 {
		return nil, fault.New(fault.KindNotFound, f.Name(), "antwort enthielt keine message-daten")
	}

	work := payload.Message
	rawMessage, _ := json.Marshal(work)

	record := &services.SourceRecord{
		DOI:         strings.ToLower(work.DOI),
		Title:       joinedList(work.Title),
		Abstract:    cleanAbstract(work.Abstract),
		JournalName: joinedList(work.ContainerTitle),
		Authors:     parseAuthors(work.Author),
		Contents: []services.ContentBlob{
			{Format: models.FormatJSONMetadata, Body: string(rawMessage)},
		},
	}
	if record.DOI == "" {
		record.DOI = req.DOI
	}
	record.PublicationDate = parseDate(firstDate(&work))

	log.Info("CrossRef-Daten geladen", zap.String("title", record.Title), zap.Int("authors", len(record.Authors)))
	return record, nil
}

// joinedList verbindet CrossRefs Listen-Felder (title, container-title) zu
// einem String.
func joinedList(values []string) string {
	return strings.TrimSpace(strings.Join(values, ", "))
}

// cleanAbstract entfernt die Kursiv-Tags, die CrossRef im Abstract mitliefert.
func cleanAbstract(raw string) string {
	cleaned := strings.ReplaceAll(raw, "<i>", "")
	cleaned = strings.ReplaceAll(cleaned, "</i>", "")
	return strings.TrimSpace(cleaned)
}

// firstDate wählt das erste belegte Datumsfeld: print vor online vor created.
func firstDate(w *Work) *DateRef {
	if w.PublishedPrint != nil && len(w.PublishedPrint.DateParts) > 0 {
		return w.PublishedPrint
	}
	if w.PublishedOnline != nil && len(w.PublishedOnline.DateParts) > 0 {
		return w.PublishedOnline
	}
	return w.Created
}

// parseDate baut aus date-parts ein Datum; fehlender Monat/Tag wird mit 1
// aufgefüllt.
func parseDate(ref *DateRef) *time.Time {
	if ref == nil || len(ref.DateParts) == 0 || len(ref.DateParts[0]) == 0 {
		return nil
	}
	parts := ref.DateParts[0]
	year := parts[0]
	month, day := 1, 1
	if len(parts) > 1 {
		month = parts[1]
	}
	if len(parts) > 2 {
		day = parts[2]
	}
	if year < 1000 || month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return &t
}

// parseAuthors formt CrossRef-Autoren zu "Vorname Nachname"-Strings.
func parseAuthors(persons []Person) []string {
	var out []string
	for _, p := range persons {
		name := strings.TrimSpace(strings.TrimSpace(p.Given) + " " + strings.TrimSpace(p.Family))
		if name == "" {
			name = strings.TrimSpace(p.Name)
		}
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
