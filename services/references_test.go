package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-pipeline/models"
)

const refListJATS = `<article>
  <body>
    <sec>
      <title>Discussion</title>
      <p>Frühere Arbeiten zeigten vergleichbare Effekte
        <xref ref-type="bibr" rid="B1">1</xref>
        <xref ref-type="bibr" rid="B1 B2">1,2</xref>
        und bestätigen damit die Ausgangshypothese dieser Untersuchung.</p>
      <p>Kurz.</p>
    </sec>
  </body>
  <back>
    <ref-list>
      <ref id="B1">
        <element-citation publication-type="journal">
          <person-group person-group-type="author">
            <name><surname>Hewlings</surname><given-names>SJ</given-names></name>
            <name><surname>Kalman</surname><given-names>DS</given-names></name>
          </person-group>
          <article-title>Curcumin: A Review of Its Effects on Human Health</article-title>
          <source>Foods</source>
          <year>2017</year>
          <pub-id pub-id-type="doi">10.3390/FOODS6100092</pub-id>
        </element-citation>
      </ref>
      <ref id="B2">
        <mixed-citation>Aggarwal BB. Targeting inflammation-induced obesity. Annu Rev Nutr. 2010.</mixed-citation>
      </ref>
      <ref>
        <mixed-citation>Eintrag ohne id, kann niemandem zugeordnet werden.</mixed-citation>
      </ref>
    </ref-list>
  </back>
</article>`

func TestParseJATSReferences(t *testing.T) {
	refs := ParseJATSReferences(refListJATS)
	require.Len(t, refs, 2)

	assert.Equal(t, "B1", refs[0].JatsRefID)
	assert.Equal(t, "10.3390/foods6100092", refs[0].DOI)
	assert.Equal(t, "Curcumin: A Review of Its Effects on Human Health", refs[0].Title)
	assert.Equal(t, "2017", refs[0].Year)
	assert.Equal(t, "Foods", refs[0].JournalTitle)
	assert.Equal(t, "SJ Hewlings; DS Kalman", refs[0].AuthorsStr)

	assert.Equal(t, "B2", refs[1].JatsRefID)
	assert.Empty(t, refs[1].DOI)
	assert.Contains(t, refs[1].RawText, "Targeting inflammation-induced obesity")
}

func TestParseJATSReferencesEmptyInput(t *testing.T) {
	assert.Nil(t, ParseJATSReferences(""))
	assert.Nil(t, ParseJATSReferences("<article><body/></article>"))
	assert.Nil(t, ParseJATSReferences("<kaputt"))
}

func TestUpsertReferencesIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "refs")
	article := &models.Article{UserID: &user.ID, Title: "t"}
	require.NoError(t, db.Create(article).Error)

	svc := NewReferenceService(testLogger(), 50)
	refs := ParseJATSReferences(refListJATS)

	followUps, err := svc.UpsertReferences(db, article, refs)
	require.NoError(t, err)
	require.Len(t, followUps, 1)
	assert.Equal(t, "10.3390/foods6100092", followUps[0].DOI)

	// Zweiter Lauf legt nichts Neues an.
	_, err = svc.UpsertReferences(db, article, refs)
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&models.ReferenceLink{}).Where("source_article_id = ?", article.ID).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	var withDOI models.ReferenceLink
	require.NoError(t, db.Where("source_article_id = ? AND target_article_doi <> ''", article.ID).First(&withDOI).Error)
	assert.Equal(t, models.RefStatusDOIProvidedNeedsFetch, withDOI.Status)

	var data map[string]any
	require.NoError(t, json.Unmarshal(withDOI.ManualDataJSON, &data))
	assert.Equal(t, "B1", data["jats_ref_id"])

	var withoutDOI models.ReferenceLink
	require.NoError(t, db.Where("source_article_id = ? AND target_article_doi = ''", article.ID).First(&withoutDOI).Error)
	assert.Equal(t, models.RefStatusPendingDOIInput, withoutDOI.Status)
}

func TestUpsertReferencesKeepsResolvedStatus(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "refs")
	article := &models.Article{UserID: &user.ID, Title: "t"}
	require.NoError(t, db.Create(article).Error)
	target := &models.Article{UserID: &user.ID, Title: "ziel"}
	require.NoError(t, db.Create(target).Error)

	svc := NewReferenceService(testLogger(), 50)
	refs := ParseJATSReferences(refListJATS)
	followUps, err := svc.UpsertReferences(db, article, refs)
	require.NoError(t, err)
	require.Len(t, followUps, 1)

	// Link auflösen und erneut upserten: Status darf nicht zurückfallen.
	require.NoError(t, db.Model(&models.ReferenceLink{}).Where("id = ?", followUps[0].RefLinkID).
		Updates(map[string]any{"status": models.RefStatusArticleLinked, "resolved_article_id": target.ID}).Error)

	followUps, err = svc.UpsertReferences(db, article, refs)
	require.NoError(t, err)
	assert.Empty(t, followUps)

	var link models.ReferenceLink
	require.NoError(t, db.First(&link, "source_article_id = ? AND target_article_doi <> ''", article.ID).Error)
	assert.Equal(t, models.RefStatusArticleLinked, link.Status)
}

func TestRebuildSegments(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "segments")
	article := &models.Article{UserID: &user.ID, Title: "t"}
	require.NoError(t, db.Create(article).Error)

	// Nutzer-eigene Segmente überleben den Neuaufbau.
	manual := &models.AnalyzedSegment{ArticleID: article.ID, UserID: &user.ID, SegmentText: "handgepflückt"}
	require.NoError(t, db.Create(manual).Error)

	svc := NewReferenceService(testLogger(), 50)
	count, err := svc.RebuildSegments(db, article, refListJATS)
	require.NoError(t, err)
	assert.Equal(t, 1, count) // "Kurz." liegt unter der Mindestlänge

	var segments []models.AnalyzedSegment
	require.NoError(t, db.Preload("CitedReferences").Where("article_id = ? AND user_id IS NULL", article.ID).Find(&segments).Error)
	require.Len(t, segments, 1)

	seg := segments[0]
	assert.Equal(t, "Discussion", seg.SectionKey)
	assert.Contains(t, seg.SegmentText, "Ausgangshypothese")

	// Marker dedupliziert, rid mit mehreren ids aufgelöst.
	var markers []string
	require.NoError(t, json.Unmarshal(seg.InlineCitationMarkers, &markers))
	assert.Equal(t, []string{"1", "1,2"}, markers)
	assert.Len(t, seg.CitedReferences, 2)

	// Idempotenz: zweiter Lauf ersetzt statt zu duplizieren.
	count, err = svc.RebuildSegments(db, article, refListJATS)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var total int64
	require.NoError(t, db.Model(&models.AnalyzedSegment{}).Where("article_id = ?", article.ID).Count(&total).Error)
	assert.EqualValues(t, 2, total) // ein System-Segment plus das manuelle

	var survivor models.AnalyzedSegment
	require.NoError(t, db.First(&survivor, manual.ID).Error)
	assert.Equal(t, "handgepflückt", survivor.SegmentText)
}
