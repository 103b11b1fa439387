package services

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paper-pipeline/fault"
	"paper-pipeline/models"
)

// Candidates sind die Lookup-Schlüssel für die Identitätsauflösung, in
// Prioritätsreihenfolge: explizite ID, dann DOI, PMID, arXiv-ID. Die Werte
// müssen bereits normalisiert sein.
type Candidates struct {
	ArticleID *uint
	DOI       string
	PubmedID  string
	ArxivID   string
}

func (c Candidates) empty() bool {
	return c.ArticleID == nil && c.DOI == "" && c.PubmedID == "" && c.ArxivID == ""
}

// ResolveService findet oder erstellt die eine kanonische Artikel-Zeile für
// einen Identifier-Satz. Konkurrierende Resolver auf demselben Identifier
// serialisieren über eine Write-Lock-Query plus Unique-Constraints.
type ResolveService struct {
	log *zap.Logger
}

// NewResolveService erstellt einen ResolveService.
func NewResolveService(logger *zap.Logger) *ResolveService {
	return &ResolveService{log: logger}
}

// FindOrCreate läuft innerhalb der übergebenen Transaktion. Gefundene Zeilen
// werden mit FOR UPDATE gesperrt. Wird nichts gefunden, entsteht ein neuer
// Artikel mit dem auslösenden Identifier und einem vorläufigen Titel; dafür
// ist ein Besitzer zwingend. Der zweite Rückgabewert meldet, ob die Zeile neu
// angelegt wurde.
func (s *ResolveService) FindOrCreate(tx *gorm.DB, c Candidates, userID *uint, provisionalTitle string, userInitiated bool) (*models.Article, bool, error) {
	if c.empty() {
		return nil, false, fault.New(fault.KindInsufficientData, "resolver", "kein identifier zum auflösen vorhanden")
	}

	article, err := s.lookup(tx, c)
	if err != nil {
		return nil, false, err
	}
	if article != nil {
		return article, false, nil
	}

	if userID == nil {
		return nil, false, fault.New(fault.KindPermission, "resolver", "artikel existiert nicht und kein besitzer angegeben")
	}

	article = &models.Article{
		UserID:          userID,
		Title:           provisionalTitle,
		IsUserInitiated: userInitiated,
	}
	if c.DOI != "" {
		doi := c.DOI
		article.DOI = &doi
	}
	if c.PubmedID != "" {
		pmid := c.PubmedID
		article.PubmedID = &pmid
	}
	if c.ArxivID != "" {
		arxiv := c.ArxivID
		article.ArxivID = &arxiv
	}
	if article.Title == "" {
		article.Title = fmt.Sprintf("Article in processing (%s%s%s)", c.DOI, c.PubmedID, c.ArxivID)
	}

	if err := tx.Create(article).Error; err != nil {
		// Unique-Verletzung: ein paralleler Resolver war schneller. Die
		// bestehende Zeile übernehmen statt zu scheitern.
		if isDuplicateKey(err) {
			existing, lookupErr := s.lookup(tx, c)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fault.ClassifyDB(err)
	}

	s.log.Info("Neuer Artikel angelegt",
		zap.Uint("article_id", article.ID),
		zap.String("doi", c.DOI),
		zap.String("pmid", c.PubmedID),
		zap.String("arxiv_id", c.ArxivID))
	return article, true, nil
}

// lookup probiert die Kandidaten-Schlüssel in Prioritätsreihenfolge durch.
func (s *ResolveService) lookup(tx *gorm.DB, c Candidates) (*models.Article, error) {
	type probe struct {
		cond string
		arg  any
	}
	var probes []probe
	if c.ArticleID != nil {
		probes = append(probes, probe{"id = ?", *c.ArticleID})
	}
	if c.DOI != "" {
		probes = append(probes, probe{"doi = ?", c.DOI})
	}
	if c.PubmedID != "" {
		probes = append(probes, probe{"pubmed_id = ?", c.PubmedID})
	}
	if c.ArxivID != "" {
		probes = append(probes, probe{"arxiv_id = ?", c.ArxivID})
	}

	for _, p := range probes {
		var article models.Article
		q := tx
		// SQLite serialisiert Schreiber ohnehin und kennt kein FOR UPDATE.
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		err := q.Where(p.cond, p.arg).First(&article).Error
		if err == nil {
			return &article, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fault.ClassifyDB(err)
		}
	}
	return nil, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
