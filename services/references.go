package services

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"paper-pipeline/fault"
	"paper-pipeline/models"
)

// ParsedReference ist ein Literaturverzeichnis-Eintrag aus einem
// JATS-Dokument. JatsRefID ist die dokumentinterne id des <ref>-Elements.
type ParsedReference struct {
	JatsRefID    string
	DOI          string
	Title        string
	Year         string
	AuthorsStr   string
	JournalTitle string
	RawText      string
}

// FollowUp ist die Nachricht "diese DOI muss noch geholt werden", die ein
// Branch als Ergebnis der Bibliographie-Extraktion emittiert. Der äußere
// Scheduler konsumiert sie; die Extraktion selbst plant nichts.
type FollowUp struct {
	DOI       string
	RefLinkID uint
}

var whitespaceRegex = regexp.MustCompile(`\s+`)

// ParseJATSReferences extrahiert das Literaturverzeichnis eines
// JATS-Dokuments. Einträge ohne dokumentinterne id werden übersprungen, weil
// sie weder mit Inline-Markern noch über Wiederholungsläufe abgeglichen
// werden können.
func ParseJATSReferences(xmlInput string) []ParsedReference {
	if strings.TrimSpace(xmlInput) == "" {
		return nil
	}
	root, err := parseXMLTree(xmlInput)
	if err != nil {
		return nil
	}
	refList := root.descendant("ref-list")
	if refList == nil {
		return nil
	}

	var refs []ParsedReference
	for _, ref := range refList.childrenNamed("ref") {
		id := ref.Attr["id"]
		if id == "" {
			continue
		}
		parsed := ParsedReference{JatsRefID: id}

		citation := ref.child("element-citation")
		if citation == nil {
			citation = ref.child("mixed-citation")
		}
		if citation != nil {
			parsed.RawText = whitespaceRegex.ReplaceAllString(citation.text(), " ")

			for _, pubID := range citation.descendants("pub-id") {
				if pubID.Attr["pub-id-type"] == "doi" {
					parsed.DOI = NormalizeIdentifier(IDTypeDOI, pubID.text())
					break
				}
			}
			if titleEl := citation.child("article-title"); titleEl != nil {
				parsed.Title = titleEl.text()
			} else if chapterEl := citation.child("chapter-title"); chapterEl != nil {
				parsed.Title = chapterEl.text()
			}
			if yearEl := citation.child("year"); yearEl != nil {
				parsed.Year = yearEl.text()
			}
			if sourceEl := citation.child("source"); sourceEl != nil {
				parsed.JournalTitle = sourceEl.text()
			}
			if group := citation.child("person-group"); group != nil && group.Attr["person-group-type"] == "author" {
				var names []string
				for _, nameEl := range group.childrenNamed("name") {
					var parts []string
					if g := nameEl.child("given-names"); g != nil && g.text() != "" {
						parts = append(parts, g.text())
					}
					if s := nameEl.child("surname"); s != nil && s.text() != "" {
						parts = append(parts, s.text())
					}
					if len(parts) > 0 {
						names = append(names, strings.Join(parts, " "))
					}
				}
				parsed.AuthorsStr = strings.Join(names, "; ")
			}
		}
		refs = append(refs, parsed)
	}
	return refs
}

// ReferenceService verwaltet ReferenceLinks und AnalyzedSegments eines
// Artikels.
type ReferenceService struct {
	log           *zap.Logger
	minSegmentLen int
}

// NewReferenceService erstellt einen ReferenceService.
func NewReferenceService(logger *zap.Logger, minSegmentLen int) *ReferenceService {
	if minSegmentLen <= 0 {
		minSegmentLen = 50
	}
	return &ReferenceService{log: logger, minSegmentLen: minSegmentLen}
}

// UpsertReferences gleicht geparste Bibliographie-Einträge mit den
// gespeicherten ReferenceLinks ab. Dedup-Schlüssel in Präferenzreihenfolge:
// Ziel-DOI, dann jats_ref_id (in manual_data_json), dann der wörtliche
// Zitattext. Für Einträge mit DOI entsteht ein FollowUp; Einträge ohne DOI
// bleiben pending_doi_input.
func (s *ReferenceService) UpsertReferences(tx *gorm.DB, article *models.Article, refs []ParsedReference) ([]FollowUp, error) {
	var followUps []FollowUp
	for _, ref := range refs {
		link, err := s.findExisting(tx, article.ID, ref)
		if err != nil {
			return nil, fault.ClassifyDB(err)
		}

		created := false
		if link == nil {
			link = &models.ReferenceLink{
				SourceArticleID:  article.ID,
				RawReferenceText: ref.RawText,
				Status:           models.RefStatusPendingDOIInput,
			}
			created = true
		}

		if ref.DOI != "" && link.TargetArticleDOI == "" {
			link.TargetArticleDOI = ref.DOI
		}
		if link.RawReferenceText == "" {
			link.RawReferenceText = ref.RawText
		}
		link.ManualDataJSON = mergeManualData(link.ManualDataJSON, ref)

		// Status nur nach vorn bewegen: aufgelöste oder fehlerhafte Links
		// nicht zurück in die Warteschlange werfen.
		if link.Status == models.RefStatusPendingDOIInput && link.TargetArticleDOI != "" {
			link.Status = models.RefStatusDOIProvidedNeedsFetch
		}

		if err := tx.Save(link).Error; err != nil {
			return nil, fault.ClassifyDB(err)
		}
		if link.Status == models.RefStatusDOIProvidedNeedsFetch && link.ResolvedArticleID == nil {
			followUps = append(followUps, FollowUp{DOI: link.TargetArticleDOI, RefLinkID: link.ID})
		}
		if created {
			s.log.Debug("Referenz angelegt",
				zap.Uint("article_id", article.ID),
				zap.String("jats_ref_id", ref.JatsRefID),
				zap.String("doi", ref.DOI))
		}
	}
	return followUps, nil
}

// findExisting sucht den bestehenden Link über die Dedup-Präzedenz.
func (s *ReferenceService) findExisting(tx *gorm.DB, articleID uint, ref ParsedReference) (*models.ReferenceLink, error) {
	var link models.ReferenceLink

	if ref.DOI != "" {
		err := tx.Where("source_article_id = ? AND target_article_doi = ?", articleID, ref.DOI).First(&link).Error
		if err == nil {
			return &link, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if ref.JatsRefID != "" {
		err := tx.Where("source_article_id = ?", articleID).
			Where(datatypes.JSONQuery("manual_data_json").Equals(ref.JatsRefID, "jats_ref_id")).
			First(&link).Error
		if err == nil {
			return &link, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if ref.RawText != "" {
		err := tx.Where("source_article_id = ? AND raw_reference_text = ?", articleID, ref.RawText).First(&link).Error
		if err == nil {
			return &link, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// mergeManualData ergänzt den Metadaten-Sack des Links um die geparsten
// Felder, ohne vorhandene Einträge zu verlieren. Leere Werte werden nicht
// geschrieben.
func mergeManualData(existing datatypes.JSON, ref ParsedReference) datatypes.JSON {
	data := map[string]any{}
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &data)
	}
	set := func(key, val string) {
		if strings.TrimSpace(val) != "" {
			data[key] = val
		}
	}
	set("jats_ref_id", ref.JatsRefID)
	set("title", ref.Title)
	set("year", ref.Year)
	set("authors_str", ref.AuthorsStr)
	set("journal_title", ref.JournalTitle)
	if len(data) == 0 {
		return nil
	}
	b, _ := json.Marshal(data)
	return b
}

// RebuildSegments baut die systemgenerierten AnalyzedSegments eines Artikels
// aus dem Volltext neu: alle Segmente ohne Besitzer löschen, dann pro Absatz
// (ab Mindestlänge) ein Segment mit Section-Key, Inline-Markern und den über
// rid aufgelösten Referenzen anlegen. Der Lauf ist ein idempotenter Ersatz.
func (s *ReferenceService) RebuildSegments(tx *gorm.DB, article *models.Article, xmlInput string) (int, error) {
	root, err := parseXMLTree(xmlInput)
	if err != nil {
		return 0, fault.Wrap(fault.KindMalformedResponse, "segments", "volltext nicht parsbar", err)
	}

	// Referenzen zuerst nachziehen, damit der rid-Lookup vollständig ist.
	refs := ParseJATSReferences(xmlInput)
	if _, err := s.UpsertReferences(tx, article, refs); err != nil {
		return 0, err
	}

	refByJatsID, err := s.loadRefLookup(tx, article.ID)
	if err != nil {
		return 0, err
	}

	// Join-Zeilen zuerst, sonst bleiben verwaiste Einträge zurück.
	if err := tx.Exec(
		"DELETE FROM segment_cited_references WHERE analyzed_segment_id IN (SELECT id FROM analyzed_segments WHERE article_id = ? AND user_id IS NULL)",
		article.ID).Error; err != nil {
		return 0, fault.ClassifyDB(err)
	}
	if err := tx.Where("article_id = ? AND user_id IS NULL", article.ID).
		Delete(&models.AnalyzedSegment{}).Error; err != nil {
		return 0, fault.ClassifyDB(err)
	}

	body := root.descendant("body")
	if body == nil {
		return 0, nil
	}

	count := 0
	for _, sec := range body.descendants("sec") {
		sectionKey := "Unnamed Section"
		if t := sec.child("title"); t != nil && t.text() != "" {
			sectionKey = t.text()
		}
		for _, p := range sec.childrenNamed("p") {
			text := p.text()
			if len(text) < s.minSegmentLen {
				continue
			}

			var markers []string
			markerSeen := map[string]bool{}
			citedIDs := map[uint]bool{}
			var cited []models.ReferenceLink
			for _, xref := range p.descendants("xref") {
				if xref.Attr["ref-type"] != "bibr" {
					continue
				}
				if marker := xref.text(); marker != "" && !markerSeen[marker] {
					markerSeen[marker] = true
					markers = append(markers, marker)
				}
				// rid kann mehrere whitespace-getrennte ids enthalten.
				for _, rid := range strings.Fields(xref.Attr["rid"]) {
					if link, ok := refByJatsID[rid]; ok && !citedIDs[link.ID] {
						citedIDs[link.ID] = true
						cited = append(cited, link)
					}
				}
			}

			seg := models.AnalyzedSegment{
				ArticleID:   article.ID,
				SectionKey:  sectionKey,
				SegmentText: text,
			}
			if len(markers) > 0 {
				b, _ := json.Marshal(markers)
				seg.InlineCitationMarkers = b
			}
			if err := tx.Create(&seg).Error; err != nil {
				return count, fault.ClassifyDB(err)
			}
			if len(cited) > 0 {
				if err := tx.Model(&seg).Association("CitedReferences").Append(&cited); err != nil {
					return count, fault.ClassifyDB(err)
				}
			}
			count++
		}
	}
	s.log.Info("Segmente neu aufgebaut",
		zap.Uint("article_id", article.ID),
		zap.Int("segments", count))
	return count, nil
}

// loadRefLookup lädt alle Links des Artikels und indiziert sie über die in
// manual_data_json gespeicherte jats_ref_id.
func (s *ReferenceService) loadRefLookup(tx *gorm.DB, articleID uint) (map[string]models.ReferenceLink, error) {
	var links []models.ReferenceLink
	if err := tx.Where("source_article_id = ?", articleID).Find(&links).Error; err != nil {
		return nil, fault.ClassifyDB(err)
	}
	lookup := make(map[string]models.ReferenceLink, len(links))
	for _, link := range links {
		if len(link.ManualDataJSON) == 0 {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(link.ManualDataJSON, &data); err != nil {
			continue
		}
		if id, ok := data["jats_ref_id"].(string); ok && id != "" {
			lookup[id] = link
		}
	}
	return lookup, nil
}
