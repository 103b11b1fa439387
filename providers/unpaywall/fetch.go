package unpaywall

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

// Sentinel-Werte für oa_status: "gesucht, aber nichts gefunden" soll sich
// von "nie gesucht" unterscheiden lassen.
const (
	OAStatusNotFound = "not_found_in_unpaywall"
	OAStatusNoData   = "no_data_from_unpaywall"
)

// Fetcher implementiert das Adapter-Interface für Unpaywall.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher erstellt einen neuen Unpaywall Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "unpaywall"
}

// Eligible meldet, ob dieser Branch für die Anfrage laufen kann.
func (f *Fetcher) Eligible(req providers.Request) bool {
	return req.DOI != ""
}

// RetryPolicy gibt maximale Versuche und Basis-Delay zurück.
func (f *Fetcher) RetryPolicy() (int, time.Duration) {
	return 3, 60 * time.Second
}

// Fetch holt den OA-Status zu einer DOI. Ein 404 ist hier KEIN Fehler: der
// Record trägt dann den Sentinel-Status, damit die Suche vermerkt bleibt.
func (f *Fetcher) Fetch(ctx context.Context, req providers.Request) (*services.SourceRecord, error) {
	log := f.Logger.With(zap.String("provider", f.Name()), zap.String("doi", req.DOI))

	apiURL := fmt.Sprintf("%s/%s", f.Config.UnpaywallBaseURL, url.PathEscape(req.DOI))
	if f.Config.UnpaywallEmail != "" {
		apiURL += "?email=" + url.QueryEscape(f.Config.UnpaywallEmail)
	}
	log.Debug("Rufe Unpaywall API auf", zap.String("url", apiURL))

	ctx, cancel := context.WithTimeout(ctx, f.Config.MetadataTimeout())
	defer cancel()
	body, err := providers.FetchJSON(ctx, httpClient, f.Name(), apiURL)
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			log.Info("DOI nicht in Unpaywall")
			return &services.SourceRecord{
				DOI:           req.DOI,
				OAFieldsValid: true,
				OAStatus:      OAStatusNotFound,
			}, nil
		}
		return nil, err
	}

	var payload oaResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fault.Wrap(fault.KindMalformedResponse, f.Name(), "antwort nicht dekodierbar", err)
	}
	if payload.DOI == "" && payload.OAStatus == "" {
		log.Info("Unpaywall lieferte leere Daten")
		return &services.SourceRecord{
			DOI:           req.DOI,
			OAFieldsValid: true,
			OAStatus:      OAStatusNoData,
		}, nil
	}

	record := &services.SourceRecord{
		DOI:           strings.ToLower(strings.TrimSpace(payload.DOI)),
		OAFieldsValid: true,
		OAStatus:      payload.OAStatus,
	}
	if record.DOI == "" {
		record.DOI = req.DOI
	}

	if loc := payload.BestOALocation; loc != nil {
		record.BestOAURL = loc.URL
		record.BestOAPDFURL = loc.URLForPDF
		record.OALicense = loc.License
		record.PDFLink = loc.URLForPDF

		rawLoc, _ := json.Marshal(loc)
		record.Contents = append(record.Contents, services.ContentBlob{
			Format: models.FormatJSONOAData, Body: string(rawLoc),
		})
	}

	log.Info("Unpaywall-Daten geladen",
		zap.String("oa_status", record.OAStatus),
		zap.Bool("pdf", record.BestOAPDFURL != ""))
	return record, nil
}
