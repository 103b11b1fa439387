package openalex

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

// Fetcher implementiert das Adapter-Interface für OpenAlex.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher erstellt einen neuen OpenAlex Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "openalex"
}

// Eligible meldet, ob dieser Branch für die Anfrage laufen kann.
func (f *Fetcher) Eligible(req providers.Request) bool {
	return req.DOI != "" || req.PubmedID != ""
}

// RetryPolicy gibt maximale Versuche und Basis-Delay zurück.
func (f *Fetcher) RetryPolicy() (int, time.Duration) {
	return 3, 180 * time.Second
}

// Fetch holt einen Work-Eintrag; DOI vor PMID.
func (f *Fetcher) Fetch(ctx context.Context, req providers.Request) (*services.SourceRecord, error) {
	log := f.Logger.With(zap.String("provider", f.Name()))

	var workID string
	if req.DOI != "" {
		workID = "doi:" + req.DOI
	} else {
		workID = "pmid:" + req.PubmedID
	}
	apiURL := fmt.Sprintf("%s/works/%s", f.Config.OpenAlexBaseURL, workID)
	if f.Config.OpenAlexMailto != "" {
		apiURL += "?mailto=" + url.QueryEscape(f.Config.OpenAlexMailto)
	}
	log.Debug("Rufe OpenAlex API auf", zap.String("url", apiURL))

	ctx, cancel := context.WithTimeout(ctx, f.Config.ExtendedTimeout())
	defer cancel()
	body, err := providers.FetchJSON(ctx, httpClient, f.Name(), apiURL)
	if err != nil {
		return nil, err
	}

	var payload workResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fault.Wrap(fault.KindMalformedResponse, f.Name(), "antwort nicht dekodierbar", err)
	}
	if payload.ID == "" {
		return nil, fault.New(fault.KindNotFound, f.Name(), "leere work-antwort")
	}

	title := payload.DisplayName
	if title == "" {
		title = payload.Title
	}

	record := &services.SourceRecord{
		Title:    strings.TrimSpace(title),
		Abstract: ReconstructAbstract(payload.AbstractInvertedIndex),
		Authors:  parseAuthors(payload.Authorships),
		Contents: []services.ContentBlob{
			{Format: models.FormatJSONMetadata, Body: string(body)},
		},
	}

	// OpenAlex liefert Identifier als URLs; nur der letzte Pfad-Teil zählt.
	record.DOI = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(payload.DOI,
		"https://doi.org/"), "http://doi.org/"))
	record.PubmedID = lastPathSegment(payload.IDs.PMID)
	record.PMCID = lastPathSegment(payload.IDs.PMCID)

	if payload.PublicationDate != "" {
		if t, err := time.Parse("2006-01-02", payload.PublicationDate); err == nil {
			record.PublicationDate = &t
		}
	}

	record.JournalName = payload.HostVenue.DisplayName
	if record.JournalName == "" {
		record.JournalName = payload.HostVenue.Publisher
	}
	if record.JournalName == "" {
		record.JournalName = payload.PrimaryLocation.Source.DisplayName
	}

	if payload.OpenAccess.OAStatus != "" || payload.OpenAccess.OAURL != "" {
		record.OAFieldsValid = true
		record.OAStatus = payload.OpenAccess.OAStatus
		record.BestOAURL = payload.OpenAccess.OAURL
	}

	log.Info("OpenAlex-Daten geladen",
		zap.String("work_id", workID),
		zap.Bool("abstract", record.Abstract != ""))
	return record, nil
}

// ReconstructAbstract setzt den Abstract aus OpenAlex' invertiertem Index
// wieder zusammen. Sind weniger als 70% der Positionen belegt, ist der Index
// zu lückenhaft und es kommt ein leerer String zurück.
func ReconstructAbstract(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}
	maxPos := -1
	for _, positions := range index {
		for _, p := range positions {
			if p > maxPos {
				maxPos = p
			}
		}
	}
	if maxPos < 0 {
		return ""
	}

	words := make([]string, maxPos+1)
	filled := 0
	for word, positions := range index {
		for _, p := range positions {
			if p >= 0 && p <= maxPos && words[p] == "" {
				words[p] = word
				filled++
			}
		}
	}
	if float64(filled) < 0.7*float64(maxPos+1) {
		return ""
	}

	var out []string
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}

// lastPathSegment schneidet den Wert aus einer Identifier-URL
// (https://pubmed.ncbi.nlm.nih.gov/12345 → 12345).
func lastPathSegment(raw string) string {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if raw == "" {
		return ""
	}
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

// parseAuthors liest die Anzeigenamen der Autoren.
func parseAuthors(authorships []authorship) []string {
	var out []string
	for _, a := range authorships {
		if name := strings.TrimSpace(a.Author.DisplayName); name != "" {
			out = append(out, name)
		}
	}
	return out
}
