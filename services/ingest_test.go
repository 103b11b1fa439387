package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"paper-pipeline/fault"
	"paper-pipeline/models"
)

func newTestIngestor(t *testing.T, db *gorm.DB) *Ingestor {
	t.Helper()
	log := testLogger()
	merge := NewMergeService(testPriority, log)
	resolver := NewResolveService(log)
	structurer := NewStructurer(log)
	refs := NewReferenceService(log, 50)
	return NewIngestor(db, log, merge, resolver, structurer, refs)
}

func TestIngestCreatesArticleAndCachesContent(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "ingest")
	ing := newTestIngestor(t, db)

	res, err := ing.Ingest(IngestRequest{
		Source: "crossref",
		UserID: &user.ID,
		Record: &SourceRecord{
			Title: "Titel aus CrossRef",
			DOI:   "10.1234/ingest",
			Contents: []ContentBlob{
				{Format: models.FormatJSONMetadata, Body: `{"DOI":"10.1234/ingest"}`},
			},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "Titel aus CrossRef", res.Article.Title)

	// Zweiter Lauf derselben Quelle ersetzt die Cache-Zeile statt sie zu
	// duplizieren.
	_, err = ing.Ingest(IngestRequest{
		Source: "crossref",
		UserID: &user.ID,
		Record: &SourceRecord{
			Title: "Titel aus CrossRef",
			DOI:   "10.1234/ingest",
			Contents: []ContentBlob{
				{Format: models.FormatJSONMetadata, Body: `{"DOI":"10.1234/ingest","neu":true}`},
			},
		},
	})
	require.NoError(t, err)

	var contents []models.ArticleContent
	require.NoError(t, db.Where("article_id = ?", res.Article.ID).Find(&contents).Error)
	require.Len(t, contents, 1)
	assert.Contains(t, contents[0].Content, "neu")
}

func TestIngestIgnoresNonStructurableFullTextBlob(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "ingest")
	ing := newTestIngestor(t, db)

	res, err := ing.Ingest(IngestRequest{
		Source: "arxiv",
		UserID: &user.ID,
		Record: &SourceRecord{
			Title:   "Nur ein PDF-Link",
			ArxivID: "2101.00001",
			FullText: &ContentBlob{
				Format: models.FormatLinkPDF,
				Body:   "https://arxiv.org/pdf/2101.00001",
			},
		},
	})
	require.NoError(t, err)
	assert.False(t, res.FullTextStored)
	assert.Empty(t, res.Article.CleanedTextForLLM)
}

func TestIngestRejectsNilRecord(t *testing.T) {
	db := newTestDB(t)
	ing := newTestIngestor(t, db)
	_, err := ing.Ingest(IngestRequest{Source: "crossref"})
	require.Error(t, err)
	assert.Equal(t, fault.KindInsufficientData, fault.KindOf(err))
}

func TestIngestManualFullTextJATS(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "manual")
	article := &models.Article{UserID: &user.ID, Title: "t", IsUserInitiated: true}
	require.NoError(t, db.Create(article).Error)
	ing := newTestIngestor(t, db)

	updated, segments, err := ing.IngestManualFullText(article.ID, models.FormatXMLJATSFullText, refListJATS)
	require.NoError(t, err)
	assert.Equal(t, 1, segments)
	assert.True(t, updated.IsManuallyAddedFullText)
	assert.NotEmpty(t, updated.StructuredContent)
	assert.NotEmpty(t, updated.CleanedTextForLLM)

	var content models.ArticleContent
	require.NoError(t, db.Where("article_id = ? AND source_api_name = ?", article.ID, ManualFullTextSource).First(&content).Error)
	assert.Equal(t, models.FormatXMLJATSFullText, content.FormatType)
}

func TestIngestManualFullTextBioC(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "manual")
	article := &models.Article{UserID: &user.ID, Title: "t"}
	require.NoError(t, db.Create(article).Error)
	ing := newTestIngestor(t, db)

	updated, segments, err := ing.IngestManualFullText(article.ID, models.FormatJSONBioCFullText, sampleBioC)
	require.NoError(t, err)
	assert.Zero(t, segments)
	assert.Contains(t, updated.CleanedTextForLLM, "Massenspektrometrie")
}

func TestIngestManualFullTextValidation(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "manual")
	article := &models.Article{UserID: &user.ID, Title: "t"}
	require.NoError(t, db.Create(article).Error)
	ing := newTestIngestor(t, db)

	_, _, err := ing.IngestManualFullText(article.ID, "pdf", "egal")
	require.Error(t, err)
	assert.Equal(t, fault.KindInsufficientData, fault.KindOf(err))

	_, _, err = ing.IngestManualFullText(article.ID, models.FormatXMLJATSFullText, "<kaputt")
	require.Error(t, err)
	assert.Equal(t, fault.KindMalformedResponse, fault.KindOf(err))

	_, _, err = ing.IngestManualFullText(99999, models.FormatXMLJATSFullText, refListJATS)
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}
