package europepmc

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

var httpClient = &http.Client{Timeout: 120 * time.Second}

// Fetcher implementiert das Adapter-Interface für Europe PMC.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher erstellt einen neuen Europe PMC Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "europepmc"
}

// Eligible meldet, ob dieser Branch für die Anfrage laufen kann.
func (f *Fetcher) Eligible(req providers.Request) bool {
	return req.DOI != "" || req.PubmedID != ""
}

// RetryPolicy gibt maximale Versuche und Basis-Delay zurück.
func (f *Fetcher) RetryPolicy() (int, time.Duration) {
	return 3, 120 * time.Second
}

// Fetch führt die Core-Suche aus und lädt bei vorhandener PMCID zusätzlich
// den JATS-Volltext.
func (f *Fetcher) Fetch(ctx context.Context, req providers.Request) (*services.SourceRecord, error) {
	log := f.Logger.With(zap.String("provider", f.Name()))

	// DOI-Anfragen laufen als DOI:"…", PMID-Anfragen als EXT_ID:….
	var query string
	if req.DOI != "" {
		query = fmt.Sprintf("DOI:%q", req.DOI)
	} else {
		query = fmt.Sprintf("EXT_ID:%s AND SRC:MED", req.PubmedID)
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("format", "json")
	params.Set("resultType", "core")
	searchURL := fmt.Sprintf("%s/search?%s", f.Config.EuropePMCBaseURL, params.Encode())
	log.Debug("Rufe Europe PMC API auf", zap.String("url", searchURL))

	searchCtx, cancel := context.WithTimeout(ctx, f.Config.ExtendedTimeout())
	defer cancel()
	body, err := providers.FetchJSON(searchCtx, httpClient, f.Name(), searchURL)
	if err != nil {
		return nil, err
	}

	var payload searchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fault.Wrap(fault.KindMalformedResponse, f.Name(), "antwort nicht dekodierbar", err)
	}
	if len(payload.ResultList.Result) == 0 {
		return nil, fault.New(fault.KindNotFound, f.Name(), "kein treffer in der core-suche")
	}
	hit := payload.ResultList.Result[0]
	rawHit, _ := json.Marshal(hit)

	record := &services.SourceRecord{
		Title:       strings.TrimSpace(hit.Title),
		Abstract:    strings.TrimSpace(hit.AbstractText),
		JournalName: strings.TrimSpace(hit.JournalInfo.Journal.Title),
		DOI:         strings.ToLower(strings.TrimSpace(hit.DOI)),
		PubmedID:    strings.TrimSpace(hit.PMID),
		PMCID:       strings.TrimSpace(hit.PMCID),
		Authors:     parseAuthors(hit.AuthorList.Author),
		Contents: []services.ContentBlob{
			{Format: models.FormatJSONMetadata, Body: string(rawHit)},
		},
	}
	if hit.FirstPublicationDate != "" {
		if t, err := time.Parse("2006-01-02", hit.FirstPublicationDate); err == nil {
			record.PublicationDate = &t
		}
	}

	// Mit PMCID gibt es den JATS-Volltext als eigenes Dokument.
	if record.PMCID != "" {
		if xmlBody := f.fetchFullText(ctx, log, record.PMCID); xmlBody != "" {
			record.FullText = &services.ContentBlob{Format: models.FormatEPMCFullTextXML, Body: xmlBody}
		}
	}

	log.Info("Europe-PMC-Daten geladen",
		zap.String("title", record.Title),
		zap.String("pmcid", record.PMCID),
		zap.Bool("full_text", record.FullText != nil))
	return record, nil
}

// fetchFullText lädt den JATS-Volltext. Fehler sind hier nicht fatal: die
// Metadaten sind bereits gewonnen.
func (f *Fetcher) fetchFullText(ctx context.Context, log *zap.Logger, pmcid string) string {
	pmcidForURL := services.PMCIDForQuery(pmcid, true)
	fullTextURL := fmt.Sprintf("%s/%s/fullTextXML", f.Config.EuropePMCBaseURL, pmcidForURL)

	ctx, cancel := context.WithTimeout(ctx, f.Config.FullTextTimeout())
	defer cancel()
	body, err := providers.FetchXML(ctx, httpClient, f.Name(), fullTextURL)
	if err != nil {
		log.Warn("Volltext nicht verfügbar", zap.String("pmcid", pmcidForURL), zap.Error(err))
		return ""
	}
	return string(body)
}

// parseAuthors bevorzugt den fullName, sonst Vor- und Nachname.
func parseAuthors(authors []Author) []string {
	var out []string
	for _, a := range authors {
		name := strings.TrimSpace(a.FullName)
		if name == "" {
			name = strings.TrimSpace(strings.TrimSpace(a.FirstName) + " " + strings.TrimSpace(a.LastName))
		}
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
