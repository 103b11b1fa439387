package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"paper-pipeline/fault"
	"paper-pipeline/services"
)

// Request trägt die normalisierten Identifier eines Pipeline-Laufs. Jeder
// Adapter bedient sich an den Feldern, für die er zuständig ist.
type Request struct {
	DOI      string
	PubmedID string
	PMCID    string
	ArxivID  string
}

// Adapter ist der Vertrag zwischen Dispatcher und Quellen-Branches. Fetch
// ist rein lesend: kein Adapter fasst die Datenbank an, Persistenz läuft
// zentral über den Ingestor.
type Adapter interface {
	Name() string
	Eligible(req Request) bool
	Fetch(ctx context.Context, req Request) (*services.SourceRecord, error)

	// RetryPolicy liefert maximale Versuche und Basis-Delay des Branches.
	RetryPolicy() (attempts int, delay time.Duration)
}

// fetchBody führt einen GET aus und klassifiziert HTTP-Fehler in die
// Fehler-Taxonomie der Pipeline: 404 ist endgültig, 5xx/429 ist transient.
func fetchBody(ctx context.Context, client *http.Client, source, reqURL string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnknown, source, "request-aufbau fehlgeschlagen", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransientNetwork, source, "api nicht erreichbar", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fault.New(fault.KindNotFound, source, fmt.Sprintf("kein treffer (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fault.New(fault.KindTransientNetwork, source, fmt.Sprintf("api antwortete mit status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fault.New(fault.KindMalformedResponse, source, fmt.Sprintf("api antwortete mit status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransientNetwork, source, "antwort abgebrochen", err)
	}
	if len(body) == 0 {
		return nil, fault.New(fault.KindNotFound, source, "leere antwort")
	}
	return body, nil
}

// FetchJSON lädt eine URL und liefert den rohen Body für JSON-Dekodierung.
func FetchJSON(ctx context.Context, client *http.Client, source, reqURL string) ([]byte, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	return fetchBody(ctx, client, source, reqURL, header)
}

// FetchXML lädt eine URL und liefert den rohen XML-Body.
func FetchXML(ctx context.Context, client *http.Client, source, reqURL string) ([]byte, error) {
	return fetchBody(ctx, client, source, reqURL, http.Header{})
}

// FetchWithHeader lädt eine URL mit zusätzlichen Headern (API-Keys).
func FetchWithHeader(ctx context.Context, client *http.Client, source, reqURL string, header http.Header) ([]byte, error) {
	return fetchBody(ctx, client, source, reqURL, header)
}
