package services

import (
	"math"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"paper-pipeline/models"
)

// unrankedPriority gilt für Quellen, die nicht in der Prioritätsliste stehen.
const unrankedPriority = math.MaxInt32

// MergeService entscheidet Feld für Feld, ob eine Quelle den gespeicherten
// Artikelzustand überschreiben darf. Die Reihenfolge der Quellen wird
// injiziert, nicht aus globalem Zustand gelesen.
type MergeService struct {
	ranks map[string]int
	log   *zap.Logger
}

// NewMergeService erstellt einen MergeService mit der gegebenen
// Prioritätsreihenfolge (Index 0 = höchste Priorität).
func NewMergeService(order []string, logger *zap.Logger) *MergeService {
	ranks := make(map[string]int, len(order))
	for i, name := range order {
		ranks[strings.ToLower(name)] = i
	}
	return &MergeService{ranks: ranks, log: logger}
}

// Rank liefert den Prioritätsrang einer Quelle; unbekannte Quellen sind
// niedrigste Stufe.
func (m *MergeService) Rank(source string) int {
	if r, ok := m.ranks[strings.ToLower(source)]; ok {
		return r
	}
	return unrankedPriority
}

// CanFullyOverwrite berechnet das Überschreib-Gate: frisch angelegte Artikel,
// Artikel ohne Primärquelle und Quellen mit mindestens gleichrangiger
// Priorität dürfen beschreibende Felder ersetzen.
func (m *MergeService) CanFullyOverwrite(a *models.Article, created bool, source string) bool {
	if created || a.PrimarySourceAPI == "" {
		return true
	}
	return m.Rank(source) <= m.Rank(a.PrimarySourceAPI)
}

// Apply wendet einen SourceRecord auf den Artikel an und persistiert das
// Ergebnis innerhalb der übergebenen Transaktion.
//
// Beschreibende Felder (Titel, Abstract, Datum, Journal, Autoren) folgen dem
// Prioritäts-Gate: bei offenem Gate ersetzen nicht-leere neue Werte die alten,
// bei geschlossenem Gate werden nur leere Felder gefüllt. Identifier sind
// add-only und werden unabhängig von der Priorität nie überschrieben.
func (m *MergeService) Apply(tx *gorm.DB, a *models.Article, created bool, source string, rec *SourceRecord) error {
	overwrite := m.CanFullyOverwrite(a, created, source)
	if overwrite {
		a.PrimarySourceAPI = strings.ToLower(source)
	}

	applyText(&a.Title, rec.Title, overwrite)
	applyText(&a.Abstract, rec.Abstract, overwrite)
	applyText(&a.JournalName, rec.JournalName, overwrite)
	if rec.PublicationDate != nil && (overwrite || a.PublicationDate == nil) {
		a.PublicationDate = rec.PublicationDate
	}

	// Identifier: Fakten, keine Meinungen. Nur füllen, nie ersetzen.
	applyIdentifier(&a.DOI, NormalizeIdentifier(IDTypeDOI, rec.DOI))
	applyIdentifier(&a.PubmedID, NormalizeIdentifier(IDTypePMID, rec.PubmedID))
	applyIdentifier(&a.ArxivID, NormalizeIdentifier(IDTypeArxiv, rec.ArxivID))
	if a.PMCID == "" && rec.PMCID != "" {
		a.PMCID = NormalizeIdentifier(IDTypePMCID, rec.PMCID)
	}

	if rec.OAFieldsValid {
		applyText(&a.OAStatus, rec.OAStatus, overwrite)
		applyText(&a.BestOAURL, rec.BestOAURL, overwrite)
		applyText(&a.OALicense, rec.OALicense, overwrite)
	}
	if rec.BestOAPDFURL != "" && (overwrite || a.BestOAPDFURL == "") {
		a.BestOAPDFURL = rec.BestOAPDFURL
	}

	if err := tx.Save(a).Error; err != nil {
		return err
	}

	if len(rec.Authors) > 0 {
		// Wie die Textfelder: überschreiben bei offenem Gate, sonst nur
		// füllen, wenn der Artikel noch gar keine Autoren hat.
		var existing int64
		if err := tx.Model(&models.ArticleAuthorOrder{}).
			Where("article_id = ?", a.ID).Count(&existing).Error; err != nil {
			return err
		}
		if overwrite || existing == 0 {
			if err := m.replaceAuthors(tx, a, rec.Authors); err != nil {
				return err
			}
		}
	}

	m.log.Debug("Merge angewendet",
		zap.Uint("article_id", a.ID),
		zap.String("source", source),
		zap.Bool("can_fully_overwrite", overwrite))
	return nil
}

// replaceAuthors ersetzt die Autorenliste des Artikels vollständig: alte
// Join-Zeilen löschen, neue in Reihenfolge anlegen. Autoren selbst werden
// per get-or-create über den vollen Namen dedupliziert.
func (m *MergeService) replaceAuthors(tx *gorm.DB, a *models.Article, names []string) error {
	if err := tx.Where("article_id = ?", a.ID).Delete(&models.ArticleAuthorOrder{}).Error; err != nil {
		return err
	}
	order := 0
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		fullName := strings.TrimSpace(name)
		if fullName == "" || seen[fullName] {
			continue
		}
		seen[fullName] = true

		var author models.Author
		if err := tx.Where(models.Author{FullName: fullName}).FirstOrCreate(&author).Error; err != nil {
			return err
		}
		link := models.ArticleAuthorOrder{ArticleID: a.ID, AuthorID: author.ID, Order: order}
		if err := tx.Create(&link).Error; err != nil {
			return err
		}
		order++
	}
	return nil
}

func applyText(dst *string, val string, overwrite bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return
	}
	if overwrite || *dst == "" {
		*dst = val
	}
}

func applyIdentifier(dst **string, val string) {
	if val == "" || *dst != nil {
		return
	}
	v := val
	*dst = &v
}
