package pubmed

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"paper-pipeline/config"
	"paper-pipeline/fault"
	"paper-pipeline/models"
	"paper-pipeline/providers"
	"paper-pipeline/services"
)

var httpClient = &http.Client{Timeout: 120 * time.Second}

// NCBI erlaubt ohne API-Key 3 Requests pro Sekunde, das Limit gilt über
// alle E-Utilities hinweg.
var eutilsLimiter = rate.NewLimiter(rate.Limit(3), 1)

// monthNames übersetzt die textuellen PubDate-Monate.
var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

// Fetcher implementiert das Adapter-Interface für die NCBI E-Utilities.
// Ein Lauf macht bis zu drei Requests: ESearch (DOI→PMID), EFetch db=pubmed
// für die Metadaten und EFetch db=pmc für den JATS-Volltext.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher erstellt einen neuen PubMed Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "pubmed"
}

// Eligible meldet, ob dieser Branch für die Anfrage laufen kann.
func (f *Fetcher) Eligible(req providers.Request) bool {
	return req.PubmedID != "" || req.DOI != ""
}

// RetryPolicy gibt maximale Versuche und Basis-Delay zurück.
func (f *Fetcher) RetryPolicy() (int, time.Duration) {
	return 3, 120 * time.Second
}

// Fetch holt Metadaten und, wenn ein PMCID existiert, den Volltext.
func (f *Fetcher) Fetch(ctx context.Context, req providers.Request) (*services.SourceRecord, error) {
	log := f.Logger.With(zap.String("provider", f.Name()))

	pmid := req.PubmedID
	if pmid == "" {
		found, err := f.esearch(ctx, "pubmed", fmt.Sprintf("%s[DOI]", req.DOI))
		if err != nil {
			return nil, err
		}
		if found == "" {
			return nil, fault.New(fault.KindNotFound, f.Name(), "kein pmid für die doi gefunden")
		}
		pmid = found
		log.Info("PMID per ESearch gefunden", zap.String("doi", req.DOI), zap.String("pmid", pmid))
	}

	xmlBody, err := f.efetch(ctx, url.Values{
		"db": {"pubmed"}, "id": {pmid}, "retmode": {"xml"}, "rettype": {"abstract"},
	}, f.Config.ExtendedTimeout())
	if err != nil {
		return nil, err
	}

	var result efetchResult
	if err := xml.Unmarshal(xmlBody, &result); err != nil {
		return nil, fault.Wrap(fault.KindMalformedResponse, f.Name(), "efetch-xml nicht parsebar", err)
	}
	if len(result.Articles) == 0 {
		return nil, fault.New(fault.KindNotFound, f.Name(), "kein PubmedArticle in der antwort")
	}
	entry := result.Articles[0]
	art := entry.MedlineCitation.Article

	record := &services.SourceRecord{
		Title:       strings.TrimSpace(art.ArticleTitle),
		Abstract:    joinAbstract(art.Abstract.Texts),
		JournalName: strings.TrimSpace(art.Journal.Title),
		PubmedID:    pmid,
		Authors:     parseAuthors(art.AuthorList.Authors),
		Contents: []services.ContentBlob{
			{Format: models.FormatXMLPubmedEntry, Body: string(xmlBody)},
		},
	}
	record.PublicationDate = parsePubDate(
		art.Journal.JournalIssue.PubDate.Year,
		art.Journal.JournalIssue.PubDate.Month,
		art.Journal.JournalIssue.PubDate.Day)

	for _, id := range entry.PubmedData.ArticleIDList.IDs {
		switch id.IDType {
		case "doi":
			record.DOI = strings.ToLower(strings.TrimSpace(id.Value))
		case "pmc":
			record.PMCID = strings.TrimSpace(id.Value)
		}
	}

	if terms := meshTerms(&entry); len(terms) > 0 {
		record.Contents = append(record.Contents, services.ContentBlob{
			Format: models.FormatMeshTerms, Body: strings.Join(terms, "\n"),
		})
	}

	// Volltext kommt aus db=pmc, nicht aus db=pubmed.
	if record.PMCID != "" {
		if body := f.fetchPMCFullText(ctx, log, record.PMCID); body != "" {
			record.FullText = &services.ContentBlob{Format: models.FormatPMCFullTextXML, Body: body}
		}
		record.PDFLink = fmt.Sprintf("https://pmc.ncbi.nlm.nih.gov/articles/%s/pdf/",
			services.PMCIDForQuery(record.PMCID, true))
	}

	log.Info("PubMed-Daten geladen",
		zap.String("pmid", pmid),
		zap.String("pmcid", record.PMCID),
		zap.Bool("full_text", record.FullText != nil))
	return record, nil
}

// esearch fragt eine ID-Liste ab und liefert den ersten Treffer.
func (f *Fetcher) esearch(ctx context.Context, db, term string) (string, error) {
	params := f.commonParams()
	params.Set("db", db)
	params.Set("term", term)
	params.Set("retmode", "json")

	if err := eutilsLimiter.Wait(ctx); err != nil {
		return "", fault.Wrap(fault.KindUnknown, f.Name(), "rate-limiter abgebrochen", err)
	}
	searchCtx, cancel := context.WithTimeout(ctx, f.Config.MetadataTimeout())
	defer cancel()
	body, err := providers.FetchJSON(searchCtx, httpClient, f.Name(),
		fmt.Sprintf("%s/esearch.fcgi?%s", f.Config.PubMedBaseURL, params.Encode()))
	if err != nil {
		return "", err
	}

	var payload esearchResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fault.Wrap(fault.KindMalformedResponse, f.Name(), "esearch-antwort nicht dekodierbar", err)
	}
	if len(payload.ESearchResult.IDList) == 0 {
		return "", nil
	}
	return payload.ESearchResult.IDList[0], nil
}

// efetch lädt einen EFetch-Body mit den gemeinsamen NCBI-Parametern.
func (f *Fetcher) efetch(ctx context.Context, params url.Values, timeout time.Duration) ([]byte, error) {
	common := f.commonParams()
	for key, values := range params {
		common[key] = values
	}
	if err := eutilsLimiter.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.KindUnknown, f.Name(), "rate-limiter abgebrochen", err)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return providers.FetchXML(fetchCtx, httpClient, f.Name(),
		fmt.Sprintf("%s/efetch.fcgi?%s", f.Config.PubMedBaseURL, common.Encode()))
}

// fetchPMCFullText holt den JATS-Volltext aus db=pmc; Fehler sind nicht fatal.
func (f *Fetcher) fetchPMCFullText(ctx context.Context, log *zap.Logger, pmcid string) string {
	pmcidForQuery := services.PMCIDForQuery(pmcid, true)
	body, err := f.efetch(ctx, url.Values{
		"db": {"pmc"}, "id": {pmcidForQuery}, "retmode": {"xml"},
	}, f.Config.FullTextTimeout())
	if err != nil {
		log.Warn("PMC-Volltext nicht verfügbar", zap.String("pmcid", pmcidForQuery), zap.Error(err))
		return ""
	}
	return string(body)
}

func (f *Fetcher) commonParams() url.Values {
	params := url.Values{}
	params.Set("tool", f.Config.PubMedTool)
	if f.Config.PubMedEmail != "" {
		params.Set("email", f.Config.PubMedEmail)
	}
	if f.Config.PubMedAPIKey != "" {
		params.Set("api_key", f.Config.PubMedAPIKey)
	}
	return params
}

// joinAbstract verbindet die AbstractText-Teile; Label-Attribute werden als
// Großbuchstaben-Präfix erhalten (BACKGROUND: …).
func joinAbstract(parts []abstractText) string {
	var out []string
	for _, p := range parts {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		if p.Label != "" {
			out = append(out, strings.ToUpper(p.Label)+": "+text)
		} else {
			out = append(out, text)
		}
	}
	return strings.Join(out, "\n\n")
}

// parsePubDate baut aus Jahr/Monat/Tag ein Datum; Monatsnamen (Jan, Feb, …)
// werden übersetzt, fehlende Teile mit 1 aufgefüllt.
func parsePubDate(yearStr, monthStr, dayStr string) *time.Time {
	year, err := strconv.Atoi(strings.TrimSpace(yearStr))
	if err != nil {
		return nil
	}
	month := 1
	monthStr = strings.TrimSpace(monthStr)
	if monthStr != "" {
		if m, err := strconv.Atoi(monthStr); err == nil {
			month = m
		} else if len(monthStr) >= 3 {
			if m, ok := monthNames[strings.ToLower(monthStr[:3])]; ok {
				month = m
			}
		}
	}
	day := 1
	if d, err := strconv.Atoi(strings.TrimSpace(dayStr)); err == nil {
		day = d
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return &t
}

// parseAuthors formt PubMed-Autoren zu "Vorname Nachname"; Kollektivnamen
// werden unverändert übernommen.
func parseAuthors(authors []pubmedAuthor) []string {
	var out []string
	for _, a := range authors {
		name := strings.TrimSpace(strings.TrimSpace(a.ForeName) + " " + strings.TrimSpace(a.LastName))
		if name == "" {
			name = strings.TrimSpace(a.CollectiveName)
		}
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// meshTerms sammelt die Descriptor-Namen der MeSH-Zuordnungen.
func meshTerms(entry *pubmedArticle) []string {
	var out []string
	for _, h := range entry.MedlineCitation.MeshHeadingList.Headings {
		if term := strings.TrimSpace(h.DescriptorName); term != "" {
			out = append(out, term)
		}
	}
	return out
}
