package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"paper-pipeline/fault"
	"paper-pipeline/models"
	"paper-pipeline/notify"
	"paper-pipeline/providers"
	"paper-pipeline/services"

	"go.uber.org/zap"
)

// syncScheduler führt Jobs sofort im Aufrufer aus; ein Versuch, kein Delay.
type syncScheduler struct{}

func (syncScheduler) Submit(job Job) bool {
	err := job.Run(context.Background())
	if job.Done != nil {
		job.Done(err)
	}
	return true
}

// fakeAdapter bedient DOIs aus einer festen Map.
type fakeAdapter struct {
	name     string
	eligible func(providers.Request) bool
	records  map[string]*services.SourceRecord
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Eligible(req providers.Request) bool {
	if f.eligible != nil {
		return f.eligible(req)
	}
	return req.DOI != ""
}

func (f *fakeAdapter) Fetch(_ context.Context, req providers.Request) (*services.SourceRecord, error) {
	rec, ok := f.records[req.DOI]
	if !ok {
		return nil, fault.New(fault.KindNotFound, f.name, "kein treffer")
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeAdapter) RetryPolicy() (int, time.Duration) {
	return 1, time.Millisecond
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Publish(_ *uint, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) has(status, source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Status == status && (source == "" || ev.SourceAPI == source) {
			return true
		}
	}
	return false
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Article{},
		&models.Author{},
		&models.ArticleAuthorOrder{},
		&models.ArticleContent{},
		&models.ReferenceLink{},
		&models.AnalyzedSegment{},
	))
	return db
}

func newTestDispatcher(t *testing.T, db *gorm.DB, adapters []providers.Adapter) (*Dispatcher, *recordingNotifier) {
	t.Helper()
	log := zap.NewNop()
	notifier := &recordingNotifier{}
	merge := services.NewMergeService([]string{"alpha", "beta"}, log)
	resolver := services.NewResolveService(log)
	structurer := services.NewStructurer(log)
	refs := services.NewReferenceService(log, 50)
	ingestor := services.NewIngestor(db, log, merge, resolver, structurer, refs)
	return NewDispatcher(db, log, syncScheduler{}, notifier, resolver, ingestor, refs, adapters, nil), notifier
}

const fanOutFullText = `<article>
  <front><article-meta>
    <title-group><article-title>Wurzel-Artikel</article-title></title-group>
  </article-meta></front>
  <body>
    <sec>
      <title>Discussion</title>
      <p>Dieser Absatz ist lang genug, um als Segment extrahiert zu werden,
        und verweist auf die zitierte Arbeit <xref ref-type="bibr" rid="B1">1</xref>.</p>
    </sec>
  </body>
  <back>
    <ref-list>
      <ref id="B1">
        <element-citation>
          <article-title>Zitierte Arbeit</article-title>
          <pub-id pub-id-type="doi">10.9999/cited</pub-id>
        </element-citation>
      </ref>
    </ref-list>
  </back>
</article>`

func waitForStatus(t *testing.T, n *recordingNotifier, status string) {
	t.Helper()
	require.Eventually(t, func() bool { return n.has(status, "") }, 5*time.Second, 10*time.Millisecond)
}

func TestDispatchRunsOnlyEligibleBranches(t *testing.T) {
	db := newTestDB(t)
	user := &models.User{Username: "tester"}
	require.NoError(t, db.Create(user).Error)

	doiAdapter := &fakeAdapter{
		name: "alpha",
		records: map[string]*services.SourceRecord{
			"10.1234/root": {Title: "Alpha Titel", DOI: "10.1234/root"},
		},
	}
	arxivOnly := &fakeAdapter{
		name:     "beta",
		eligible: func(req providers.Request) bool { return req.ArxivID != "" },
	}

	d, notifier := newTestDispatcher(t, db, []providers.Adapter{doiAdapter, arxivOnly})
	_, err := d.Dispatch(Seed{IDType: services.IDTypeDOI, Value: "10.1234/root", UserID: &user.ID})
	require.NoError(t, err)
	waitForStatus(t, notifier, notify.StatusPipelineDone)

	assert.True(t, notifier.has(notify.StatusSubtaskStart, "alpha"))
	assert.False(t, notifier.has(notify.StatusSubtaskStart, "beta"))
	assert.True(t, notifier.has(notify.StatusSuccess, "alpha"))

	var article models.Article
	require.NoError(t, db.Where("doi = ?", "10.1234/root").First(&article).Error)
	assert.Equal(t, "Alpha Titel", article.Title)
	assert.True(t, article.IsUserInitiated)
}

func TestDispatchOneHopFanOut(t *testing.T) {
	db := newTestDB(t)
	user := &models.User{Username: "tester"}
	require.NoError(t, db.Create(user).Error)

	adapter := &fakeAdapter{
		name: "alpha",
		records: map[string]*services.SourceRecord{
			"10.1234/root": {
				Title: "Wurzel-Artikel",
				DOI:   "10.1234/root",
				FullText: &services.ContentBlob{
					Format: models.FormatXMLJATSFullText,
					Body:   fanOutFullText,
				},
			},
			"10.9999/cited": {Title: "Zitierte Arbeit", DOI: "10.9999/cited"},
		},
	}

	d, notifier := newTestDispatcher(t, db, []providers.Adapter{adapter})
	_, err := d.Dispatch(Seed{IDType: services.IDTypeDOI, Value: "10.1234/root", UserID: &user.ID})
	require.NoError(t, err)
	waitForStatus(t, notifier, notify.StatusPipelineDone)

	var root models.Article
	require.NoError(t, db.Where("doi = ?", "10.1234/root").First(&root).Error)
	assert.NotEmpty(t, root.StructuredContent)
	assert.NotEmpty(t, root.CleanedTextForLLM)

	// Der Referenz-Link ist auf den zitierten Artikel aufgelöst.
	require.Eventually(t, func() bool {
		var link models.ReferenceLink
		if err := db.Where("source_article_id = ?", root.ID).First(&link).Error; err != nil {
			return false
		}
		return link.Status == models.RefStatusArticleLinked && link.ResolvedArticleID != nil
	}, 5*time.Second, 10*time.Millisecond)

	// Der zitierte Artikel existiert, gehört dem Nutzer, ist aber nicht
	// nutzerinitiiert und hat keine eigene Referenz-Welle ausgelöst.
	var cited models.Article
	require.NoError(t, db.Where("doi = ?", "10.9999/cited").First(&cited).Error)
	assert.False(t, cited.IsUserInitiated)
	var citedRefs int64
	require.NoError(t, db.Model(&models.ReferenceLink{}).Where("source_article_id = ?", cited.ID).Count(&citedRefs).Error)
	assert.Zero(t, citedRefs)

	// Segmente nur für den nutzerinitiierten Wurzel-Artikel.
	var segments int64
	require.NoError(t, db.Model(&models.AnalyzedSegment{}).Where("article_id = ?", root.ID).Count(&segments).Error)
	assert.EqualValues(t, 1, segments)
}

func TestDispatchUpgradesUserInitiated(t *testing.T) {
	db := newTestDB(t)
	user := &models.User{Username: "tester"}
	require.NoError(t, db.Create(user).Error)

	adapter := &fakeAdapter{
		name: "alpha",
		records: map[string]*services.SourceRecord{
			"10.9999/cited": {Title: "Zitierte Arbeit", DOI: "10.9999/cited"},
		},
	}
	d, notifier := newTestDispatcher(t, db, []providers.Adapter{adapter})

	// Artikel existiert bereits als reines Zitations-Ziel.
	doi := "10.9999/cited"
	cited := &models.Article{UserID: &user.ID, Title: "Zitierte Arbeit", DOI: &doi, IsUserInitiated: false}
	require.NoError(t, db.Create(cited).Error)

	_, err := d.Dispatch(Seed{IDType: services.IDTypeDOI, Value: doi, UserID: &user.ID})
	require.NoError(t, err)
	waitForStatus(t, notifier, notify.StatusPipelineDone)

	var after models.Article
	require.NoError(t, db.First(&after, cited.ID).Error)
	assert.True(t, after.IsUserInitiated)
}

func TestDispatchMarksUnresolvableReference(t *testing.T) {
	db := newTestDB(t)
	user := &models.User{Username: "tester"}
	require.NoError(t, db.Create(user).Error)

	root := &models.Article{UserID: &user.ID, Title: "Wurzel"}
	require.NoError(t, db.Create(root).Error)
	link := &models.ReferenceLink{
		SourceArticleID:  root.ID,
		TargetArticleDOI: "10.9999/missing",
		Status:           models.RefStatusDOIProvidedNeedsFetch,
	}
	require.NoError(t, db.Create(link).Error)

	adapter := &fakeAdapter{name: "alpha", records: map[string]*services.SourceRecord{}}
	d, notifier := newTestDispatcher(t, db, []providers.Adapter{adapter})

	_, err := d.Dispatch(Seed{
		IDType:          services.IDTypeDOI,
		Value:           "10.9999/missing",
		UserID:          &user.ID,
		OriginRefLinkID: &link.ID,
	})
	require.NoError(t, err)
	waitForStatus(t, notifier, notify.StatusPipelineDone)
	assert.True(t, notifier.has(notify.StatusNotFound, "alpha"))

	require.Eventually(t, func() bool {
		var after models.ReferenceLink
		if err := db.First(&after, link.ID).Error; err != nil {
			return false
		}
		return after.Status == models.RefStatusArticleNotFound
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatchRejectsUnknownUser(t *testing.T) {
	db := newTestDB(t)
	adapter := &fakeAdapter{name: "alpha"}
	d, notifier := newTestDispatcher(t, db, []providers.Adapter{adapter})

	ghost := uint(4242)
	_, err := d.Dispatch(Seed{IDType: services.IDTypeDOI, Value: "10.1/x", UserID: &ghost})
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	assert.True(t, notifier.has(notify.StatusPipelineError, ""))
}

func TestDispatchRejectsEmptyIdentifier(t *testing.T) {
	db := newTestDB(t)
	d, _ := newTestDispatcher(t, db, nil)
	_, err := d.Dispatch(Seed{IDType: services.IDTypeDOI, Value: "   "})
	require.Error(t, err)
	assert.Equal(t, fault.KindInsufficientData, fault.KindOf(err))
}
