package services

import (
	"strings"
	"time"

	"paper-pipeline/models"
)

// ContentBlob ist eine Roh-Antwort, die als ArticleContent gecached wird.
type ContentBlob struct {
	Format string
	Body   string
}

// SourceRecord ist die gemeinsame Zwischenform, die jeder Quellen-Adapter aus
// seiner Roh-Antwort baut. Quellen-spezifische Shapes bleiben vollständig im
// Adapter; Merge, Identity und Extraktion sehen nur diese Struktur.
//
// Leere Felder bedeuten "Quelle liefert nichts", nicht "Feld löschen".
type SourceRecord struct {
	Title           string
	Abstract        string
	PublicationDate *time.Time
	JournalName     string
	Authors         []string

	// Normalisierte Identifier, soweit die Quelle sie kennt.
	DOI      string
	PubmedID string
	PMCID    string
	ArxivID  string

	// Open-Access-Felder. OAFieldsValid unterscheidet "Quelle hat keine
	// OA-Daten" von "Quelle meldet explizit einen OA-Zustand".
	OAFieldsValid bool
	OAStatus      string
	BestOAURL     string
	BestOAPDFURL  string
	OALicense     string

	// PDFLink wird als Enrichment heruntergeladen und archiviert.
	PDFLink string

	// FullText ist der strukturierbare Volltext (JATS o.ä.), Contents sind
	// alle Roh-Payloads für den Provenance-Cache.
	FullText *ContentBlob
	Contents []ContentBlob
}

// HasFullText meldet, ob ein strukturierbarer Volltext vorliegt. Blobs mit
// anderem Format (etwa reine PDF-Links) zählen nicht.
func (r *SourceRecord) HasFullText() bool {
	return r.FullText != nil &&
		strings.TrimSpace(r.FullText.Body) != "" &&
		models.IsFullTextFormat(r.FullText.Format)
}
