package rxiv

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

var httpClient = &http.Client{Timeout: 120 * time.Second}

// serversToTry sind die Rxiv-Server in Abfragereihenfolge.
var serversToTry = []string{"biorxiv", "medrxiv"}

// Fetcher implementiert das Adapter-Interface für bioRxiv/medRxiv.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher erstellt einen neuen Rxiv Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "rxiv"
}

// Eligible meldet, ob dieser Branch für die Anfrage laufen kann. Nur DOIs
// des Rxiv-Registranten (10.1101/…) kommen infrage.
func (f *Fetcher) Eligible(req providers.Request) bool {
	return services.IsRxivDOI(req.DOI)
}

// RetryPolicy gibt maximale Versuche und Basis-Delay zurück.
func (f *Fetcher) RetryPolicy() (int, time.Duration) {
	return 3, 60 * time.Second
}

// Fetch probiert beide Rxiv-Server durch und lädt bei Treffer zusätzlich den
// JATS-Volltext.
func (f *Fetcher) Fetch(ctx context.Context, req providers.Request) (*services.SourceRecord, error) {
	log := f.Logger.With(zap.String("provider", f.Name()), zap.String("doi", req.DOI))

	var preprint *Preprint
	var rawHit []byte
	for _, server := range serversToTry {
		apiURL := fmt.Sprintf("%s/details/%s/%s/na/json", f.Config.RxivBaseURL, server, req.DOI)
		log.Debug("Rufe Rxiv API auf", zap.String("url", apiURL))

		searchCtx, cancel := context.WithTimeout(ctx, f.Config.MetadataTimeout())
		body, err := providers.FetchJSON(searchCtx, httpClient, f.Name(), apiURL)
		cancel()
		if err != nil {
			if fault.KindOf(err) == fault.KindNotFound {
				continue
			}
			return nil, err
		}

		var payload detailsResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fault.Wrap(fault.KindMalformedResponse, f.Name(), "antwort nicht dekodierbar", err)
		}
		if len(payload.Collection) == 0 {
			continue
		}
		hit := payload.Collection[0]

		// Die API liefert gelegentlich das nächstbeste Resultat; nur exakte
		// DOI-Treffer zählen.
		if !strings.EqualFold(strings.TrimSpace(hit.DOI), req.DOI) {
			log.Info("DOI im Rxiv-Treffer weicht ab, verworfen",
				zap.String("server", server), zap.String("returned_doi", hit.DOI))
			continue
		}
		if hit.Server == "" {
			hit.Server = server
		}
		preprint = &hit
		rawHit, _ = json.Marshal(hit)
		break
	}
	if preprint == nil {
		return nil, fault.New(fault.KindNotFound, f.Name(), "preprint auf keinem rxiv-server gefunden")
	}

	record := &services.SourceRecord{
		DOI:      strings.ToLower(strings.TrimSpace(preprint.DOI)),
		Title:    strings.TrimSpace(preprint.Title),
		Abstract: strings.TrimSpace(preprint.Abstract),
		Authors:  parseAuthors(preprint.Authors),
		Contents: []services.ContentBlob{
			{Format: models.FormatJSONMetadata, Body: string(rawHit)},
		},
	}
	if preprint.Date != "" {
		if t, err := time.Parse("2006-01-02", preprint.Date); err == nil {
			record.PublicationDate = &t
		}
	}

	// Preprints haben kein Journal; servername plus Kategorie ist das
	// aussagekräftigste Substitut.
	category := preprint.Category
	if category == "" {
		category = "N/A"
	}
	record.JournalName = fmt.Sprintf("%s (%s)", strings.ToUpper(preprint.Server), category)

	version := preprint.Version
	if version == "" {
		version = "1"
	}
	pdfLink := fmt.Sprintf("https://www.%s.org/content/%sv%s.full.pdf", preprint.Server, record.DOI, version)
	record.BestOAPDFURL = pdfLink
	record.PDFLink = pdfLink
	record.Contents = append(record.Contents, services.ContentBlob{
		Format: models.FormatLinkPDF, Body: pdfLink,
	})

	if preprint.JatsXML != "" {
		if body := f.fetchJATS(ctx, log, preprint.JatsXML); body != "" {
			record.FullText = &services.ContentBlob{Format: models.FormatRxivJATSFullText, Body: body}
		}
	}

	log.Info("Rxiv-Daten geladen",
		zap.String("server", preprint.Server),
		zap.Bool("full_text", record.FullText != nil))
	return record, nil
}

// fetchJATS lädt den verlinkten JATS-Volltext; Fehler sind nicht fatal.
func (f *Fetcher) fetchJATS(ctx context.Context, log *zap.Logger, jatsURL string) string {
	ctx, cancel := context.WithTimeout(ctx, f.Config.FullTextTimeout())
	defer cancel()
	body, err := providers.FetchXML(ctx, httpClient, f.Name(), jatsURL)
	if err != nil {
		log.Warn("JATS-Volltext nicht verfügbar", zap.String("url", jatsURL), zap.Error(err))
		return ""
	}
	return string(body)
}

// parseAuthors zerlegt die Rxiv-Autorenliste ("Last, First; Last, First")
// und dreht jeden Namen zu "First Last".
func parseAuthors(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ";") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if last, first, ok := strings.Cut(name, ","); ok {
			name = strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
		}
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
