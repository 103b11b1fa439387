package services

import (
	"errors"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paper-pipeline/fault"
	"paper-pipeline/models"
)

// IngestRequest beschreibt, was ein Quellen-Branch speichern will.
type IngestRequest struct {
	Source string
	Record *SourceRecord

	UserID    *uint
	ArticleID *uint

	// Gesetzt, wenn dieser Fetch nur existiert, um eine konkrete Referenz
	// aufzulösen. Deren resolved_article wird dann auf das Ergebnis gezeigt.
	OriginRefLinkID *uint

	// Bibliographie nur bei Root-Anfragen verarbeiten; Referenz-Auflösungen
	// bleiben auf einen Hop beschränkt.
	ProcessReferences bool
}

// IngestResult meldet das Ergebnis eines Speicherlaufs.
type IngestResult struct {
	Article *models.Article
	Created bool

	// FollowUps sind die aus der Bibliographie entdeckten DOIs, die der
	// äußere Scheduler als eigene Pipeline-Läufe einplanen soll.
	FollowUps []FollowUp

	// FullTextStored meldet, dass strukturierbarer Volltext persistiert
	// wurde (Trigger für den Segmentierungs-Job).
	FullTextStored bool
}

// Ingestor ist der gemeinsame Speicherpfad aller Quellen-Branches:
// Identität auflösen, Priority-Merge anwenden, Roh-Payloads cachen,
// Referenz-Rückverweis schreiben, Volltext strukturieren und Bibliographie
// extrahieren, alles in einer Transaktion pro Branch.
type Ingestor struct {
	db         *gorm.DB
	log        *zap.Logger
	merge      *MergeService
	resolver   *ResolveService
	structurer *Structurer
	refs       *ReferenceService
}

// NewIngestor erstellt einen Ingestor.
func NewIngestor(db *gorm.DB, logger *zap.Logger, merge *MergeService, resolver *ResolveService, structurer *Structurer, refs *ReferenceService) *Ingestor {
	return &Ingestor{db: db, log: logger, merge: merge, resolver: resolver, structurer: structurer, refs: refs}
}

// Ingest persistiert einen SourceRecord. Scheitert die Transaktion an einem
// Lock-Konflikt, kommt ein DB_CONTENTION-Fehler zurück, damit der Scheduler
// den Branch mit wachsendem Delay wiederholen kann.
func (i *Ingestor) Ingest(req IngestRequest) (*IngestResult, error) {
	if req.Record == nil {
		return nil, fault.New(fault.KindInsufficientData, req.Source, "kein record zum speichern")
	}
	res := &IngestResult{}

	err := i.db.Transaction(func(tx *gorm.DB) error {
		candidates := Candidates{
			ArticleID: req.ArticleID,
			DOI:       NormalizeIdentifier(IDTypeDOI, req.Record.DOI),
			PubmedID:  NormalizeIdentifier(IDTypePMID, req.Record.PubmedID),
			ArxivID:   NormalizeIdentifier(IDTypeArxiv, req.Record.ArxivID),
		}
		article, created, err := i.resolver.FindOrCreate(tx, candidates, req.UserID, req.Record.Title, req.OriginRefLinkID == nil && req.ArticleID == nil)
		if err != nil {
			return err
		}

		if err := i.merge.Apply(tx, article, created, req.Source, req.Record); err != nil {
			return fault.ClassifyDB(err)
		}

		blobs := req.Record.Contents
		if req.Record.HasFullText() {
			blobs = append(blobs, *req.Record.FullText)
		}
		for _, blob := range blobs {
			if err := i.upsertContent(tx, article.ID, req.Source, blob); err != nil {
				return fault.ClassifyDB(err)
			}
		}

		if req.OriginRefLinkID != nil {
			if err := i.linkOriginReference(tx, *req.OriginRefLinkID, article.ID); err != nil {
				return err
			}
		}

		if req.Record.HasFullText() {
			doc := i.structurer.StructureJATS(req.Record.FullText.Body)
			if !doc.IsEmpty() {
				article.StructuredContent = datatypes.JSON(doc.JSON())
				article.CleanedTextForLLM = doc.CleanedText()
				if err := tx.Save(article).Error; err != nil {
					return fault.ClassifyDB(err)
				}
				res.FullTextStored = true
			}

			if req.ProcessReferences {
				parsed := ParseJATSReferences(req.Record.FullText.Body)
				followUps, err := i.refs.UpsertReferences(tx, article, parsed)
				if err != nil {
					return err
				}
				res.FollowUps = followUps
			}
		}

		res.Article = article
		res.Created = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	i.log.Info("Quelle eingespielt",
		zap.String("source", req.Source),
		zap.Uint("article_id", res.Article.ID),
		zap.Bool("created", res.Created),
		zap.Int("follow_ups", len(res.FollowUps)),
		zap.Bool("full_text", res.FullTextStored))
	return res, nil
}

// ManualFullTextSource ist der source_api_name für nutzerseitig hochgeladene
// Volltexte im Provenance-Cache.
const ManualFullTextSource = "manual"

// IngestManualFullText speichert einen vom Nutzer gelieferten Volltext,
// strukturiert ihn (JATS oder BioC, je nach Format) und baut die Segmente des
// Artikels neu auf. Gibt den aktualisierten Artikel und die Segmentanzahl
// zurück.
func (i *Ingestor) IngestManualFullText(articleID uint, format, content string) (*models.Article, int, error) {
	if format != models.FormatXMLJATSFullText && format != models.FormatJSONBioCFullText {
		return nil, 0, fault.Newf(fault.KindInsufficientData, "manual", "unbekanntes volltext-format %q", format)
	}

	var article models.Article
	segments := 0
	err := i.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&article, articleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fault.Newf(fault.KindNotFound, "manual", "artikel %d existiert nicht", articleID)
			}
			return fault.ClassifyDB(err)
		}

		var doc *StructuredDoc
		if format == models.FormatJSONBioCFullText {
			doc = i.structurer.StructureBioC(content)
		} else {
			doc = i.structurer.StructureJATS(content)
		}
		if doc.IsEmpty() {
			return fault.New(fault.KindMalformedResponse, "manual", "volltext lieferte keine extrahierbaren abschnitte")
		}

		blob := ContentBlob{Format: format, Body: content}
		if err := i.upsertContent(tx, article.ID, ManualFullTextSource, blob); err != nil {
			return fault.ClassifyDB(err)
		}

		article.StructuredContent = datatypes.JSON(doc.JSON())
		article.CleanedTextForLLM = doc.CleanedText()
		article.IsManuallyAddedFullText = true
		if err := tx.Save(&article).Error; err != nil {
			return fault.ClassifyDB(err)
		}

		// Segmente lassen sich nur aus JATS bauen; BioC-Passagen tragen
		// keine Inline-Zitationsmarker.
		if format == models.FormatXMLJATSFullText {
			n, err := i.refs.RebuildSegments(tx, &article, content)
			if err != nil {
				return err
			}
			segments = n
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	i.log.Info("Manueller Volltext eingespielt",
		zap.Uint("article_id", article.ID),
		zap.String("format", format),
		zap.Int("segments", segments))
	return &article, segments, nil
}

// upsertContent ersetzt die Roh-Payload-Zeile für (artikel, quelle, format).
func (i *Ingestor) upsertContent(tx *gorm.DB, articleID uint, source string, blob ContentBlob) error {
	content := models.ArticleContent{
		ArticleID:     articleID,
		SourceAPIName: source,
		FormatType:    blob.Format,
		Content:       blob.Body,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "article_id"}, {Name: "source_api_name"}, {Name: "format_type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"content": blob.Body,
		}),
	}).Create(&content).Error
}

// linkOriginReference schreibt das Fetch-Ergebnis in die auslösende Referenz
// zurück und markiert sie als verlinkt.
func (i *Ingestor) linkOriginReference(tx *gorm.DB, refLinkID, articleID uint) error {
	var link models.ReferenceLink
	if err := tx.First(&link, refLinkID).Error; err != nil {
		// Referenz inzwischen gelöscht: kein Grund, den Branch zu kippen.
		i.log.Warn("Auslösende Referenz nicht gefunden", zap.Uint("ref_link_id", refLinkID))
		return nil
	}
	link.ResolvedArticleID = &articleID
	link.Status = models.RefStatusArticleLinked
	return fault.ClassifyDB(tx.Save(&link).Error)
}
