package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paper-pipeline/fault"
	"paper-pipeline/models"
	"paper-pipeline/notify"
	"paper-pipeline/providers"
	"paper-pipeline/services"
)

var (
	pipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Gestartete Pipeline-Läufe nach Auslöser.",
	}, []string{"trigger"})

	branchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_branch_results_total",
		Help: "Ergebnisse der Quellen-Branches.",
	}, []string{"source", "result"})
)

// Seed ist der Auftrag für einen Pipeline-Lauf: ein Identifier plus dessen
// Herkunft. OriginRefLinkID ist gesetzt, wenn der Lauf eine Referenz eines
// anderen Artikels auflöst; solche Läufe lösen selbst keine weitere
// Referenz-Welle aus.
type Seed struct {
	IDType          services.IDType
	Value           string
	UserID          *uint
	OriginRefLinkID *uint
}

// Dispatcher startet pro Seed die passenden Quellen-Branches und hält den
// Nutzer per Notifier über den Fortschritt auf dem Laufenden.
type Dispatcher struct {
	db        *gorm.DB
	log       *zap.Logger
	scheduler Scheduler
	notifier  notify.Notifier
	resolver  *services.ResolveService
	ingestor  *services.Ingestor
	refs      *services.ReferenceService
	adapters  []providers.Adapter

	// Optional; nil deaktiviert das PDF-Enrichment.
	pdfEnrich *services.PDFEnrichService
}

// NewDispatcher erstellt einen Dispatcher.
func NewDispatcher(db *gorm.DB, logger *zap.Logger, scheduler Scheduler, notifier notify.Notifier,
	resolver *services.ResolveService, ingestor *services.Ingestor, refs *services.ReferenceService,
	adapters []providers.Adapter, pdfEnrich *services.PDFEnrichService) *Dispatcher {
	return &Dispatcher{
		db:        db,
		log:       logger.With(zap.String("component", "dispatcher")),
		scheduler: scheduler,
		notifier:  notifier,
		resolver:  resolver,
		ingestor:  ingestor,
		refs:      refs,
		adapters:  adapters,
		pdfEnrich: pdfEnrich,
	}
}

// Dispatch löst einen Pipeline-Lauf aus: Root-Artikel anlegen oder finden,
// eligible Branches einreihen, Abschluss melden. Der Aufruf blockiert nur für
// die Identitätsauflösung, die Branches laufen im Worker-Pool.
func (d *Dispatcher) Dispatch(seed Seed) (string, error) {
	taskID := uuid.NewString()
	value := services.NormalizeIdentifier(seed.IDType, seed.Value)
	if value == "" {
		return taskID, fault.New(fault.KindInsufficientData, "dispatcher", "leerer identifier")
	}
	isRoot := seed.OriginRefLinkID == nil
	if isRoot {
		pipelineRuns.WithLabelValues("direct").Inc()
	} else {
		pipelineRuns.WithLabelValues("reference").Inc()
	}

	if seed.UserID != nil {
		var count int64
		if err := d.db.Model(&models.User{}).Where("id = ?", *seed.UserID).Count(&count).Error; err != nil {
			return taskID, fault.ClassifyDB(err)
		}
		if count == 0 {
			d.notifier.Publish(seed.UserID, notify.Event{
				TaskID: taskID, Identifier: value,
				Status:  notify.StatusPipelineError,
				Message: "Unbekannter Nutzer, Pipeline abgebrochen.",
			})
			return taskID, fault.Newf(fault.KindNotFound, "dispatcher", "nutzer %d existiert nicht", *seed.UserID)
		}
	}

	d.notifier.Publish(seed.UserID, notify.Event{
		TaskID: taskID, Identifier: value,
		Status:  notify.StatusPipelineStart,
		Message: fmt.Sprintf("Pipeline für %s gestartet.", value),
	})

	article, created, err := d.prepareArticle(seed, value)
	if err != nil {
		d.notifier.Publish(seed.UserID, notify.Event{
			TaskID: taskID, Identifier: value,
			Status:  notify.StatusPipelineError,
			Message: fmt.Sprintf("Artikel konnte nicht angelegt werden: %v", err),
		})
		return taskID, err
	}

	req := d.buildRequest(seed.IDType, value, article)
	var eligible []providers.Adapter
	for _, a := range d.adapters {
		if a.Eligible(req) {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		d.notifier.Publish(seed.UserID, notify.Event{
			TaskID: taskID, Identifier: value,
			Status:    notify.StatusPipelineDone,
			Message:   "Keine Quelle für diesen Identifier zuständig.",
			ArticleID: &article.ID, Created: &created,
		})
		return taskID, nil
	}

	tracker := newBranchTracker(len(eligible))
	for _, adapter := range eligible {
		d.notifier.Publish(seed.UserID, notify.Event{
			TaskID: taskID, Identifier: value,
			Status:    notify.StatusSubtaskStart,
			Message:   fmt.Sprintf("Quelle %s gestartet.", adapter.Name()),
			SourceAPI: adapter.Name(),
		})
		d.submitBranch(taskID, seed, value, article.ID, adapter, req, tracker)
	}

	go d.awaitCompletion(taskID, seed, value, article.ID, created, tracker)

	d.log.Info("Pipeline-Lauf eingereiht",
		zap.String("task_id", taskID),
		zap.String("identifier", value),
		zap.Uint("article_id", article.ID),
		zap.Bool("created", created),
		zap.Int("branches", len(eligible)))
	return taskID, nil
}

// prepareArticle legt den Root-Artikel an bzw. findet ihn und setzt den
// Referenz-Status des auslösenden Links. Eine direkte Nutzeranfrage auf
// einen bisher nur als Zitations-Ziel bekannten eigenen Artikel stuft diesen
// zum vollwertigen, nutzerinitiierten Artikel hoch.
func (d *Dispatcher) prepareArticle(seed Seed, value string) (*models.Article, bool, error) {
	var article *models.Article
	var created bool

	err := d.db.Transaction(func(tx *gorm.DB) error {
		c := services.Candidates{}
		switch seed.IDType {
		case services.IDTypeDOI:
			c.DOI = value
		case services.IDTypePMID:
			c.PubmedID = value
		case services.IDTypeArxiv:
			c.ArxivID = value
		}

		var err error
		provisional := fmt.Sprintf("Artikel in Verarbeitung (%s)", value)
		article, created, err = d.resolver.FindOrCreate(tx, c, seed.UserID, provisional, seed.OriginRefLinkID == nil)
		if err != nil {
			return err
		}

		if !created && seed.OriginRefLinkID == nil && !article.IsUserInitiated &&
			seed.UserID != nil && article.UserID != nil && *article.UserID == *seed.UserID {
			article.IsUserInitiated = true
			if err := tx.Model(article).Update("is_user_initiated", true).Error; err != nil {
				return fault.ClassifyDB(err)
			}
		}

		if seed.OriginRefLinkID != nil {
			res := tx.Model(&models.ReferenceLink{}).
				Where("id = ?", *seed.OriginRefLinkID).
				Update("status", models.RefStatusArticleFetchInProg)
			if res.Error != nil {
				return fault.ClassifyDB(res.Error)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return article, created, nil
}

// buildRequest reichert den Seed-Identifier um alles an, was der Artikel aus
// früheren Läufen schon kennt, damit mehr Branches eligible werden.
func (d *Dispatcher) buildRequest(idType services.IDType, value string, article *models.Article) providers.Request {
	req := providers.Request{
		DOI:      article.DOIValue(),
		PubmedID: article.PubmedIDValue(),
		ArxivID:  article.ArxivIDValue(),
		PMCID:    article.PMCID,
	}
	switch idType {
	case services.IDTypeDOI:
		req.DOI = value
	case services.IDTypePMID:
		req.PubmedID = value
	case services.IDTypeArxiv:
		req.ArxivID = value
	case services.IDTypePMCID:
		req.PMCID = value
	}
	return req
}

func (d *Dispatcher) submitBranch(taskID string, seed Seed, value string, articleID uint,
	adapter providers.Adapter, req providers.Request, tracker *branchTracker) {
	attempts, delay := adapter.RetryPolicy()
	articleIDCopy := articleID

	job := Job{
		Name:        adapter.Name(),
		TaskID:      taskID,
		Identifier:  value,
		UserID:      seed.UserID,
		MaxAttempts: attempts,
		Delay:       func(attempt int) time.Duration { return delay * time.Duration(attempt) },
		Run: func(ctx context.Context) error {
			return d.runBranch(ctx, taskID, seed, value, articleIDCopy, adapter, req)
		},
		Done: func(err error) {
			d.finishBranch(taskID, seed, value, adapter.Name(), err, tracker)
		},
	}
	if !d.scheduler.Submit(job) {
		tracker.done(fault.New(fault.KindUnknown, adapter.Name(), "job-queue voll"))
	}
}

// runBranch ist ein einzelner Versuch eines Quellen-Branches: fetchen,
// einspielen, Folgejobs einreihen.
func (d *Dispatcher) runBranch(ctx context.Context, taskID string, seed Seed, value string,
	articleID uint, adapter providers.Adapter, req providers.Request) error {
	d.notifier.Publish(seed.UserID, notify.Event{
		TaskID: taskID, Identifier: value,
		Status:    notify.StatusPending,
		Message:   fmt.Sprintf("Frage %s ab...", adapter.Name()),
		SourceAPI: adapter.Name(),
	})

	rec, err := adapter.Fetch(ctx, req)
	if err != nil {
		return err
	}

	res, err := d.ingestor.Ingest(services.IngestRequest{
		Source:            adapter.Name(),
		Record:            rec,
		UserID:            seed.UserID,
		ArticleID:         &articleID,
		OriginRefLinkID:   seed.OriginRefLinkID,
		ProcessReferences: seed.OriginRefLinkID == nil,
	})
	if err != nil {
		return err
	}

	d.notifier.Publish(seed.UserID, notify.Event{
		TaskID: taskID, Identifier: value,
		Status:    notify.StatusSuccess,
		Message:   fmt.Sprintf("%s erfolgreich verarbeitet.", adapter.Name()),
		SourceAPI: adapter.Name(),
		ArticleID: &res.Article.ID, Created: &res.Created,
	})

	d.scheduleFollowUps(taskID, seed, res)
	if res.FullTextStored && res.Article.IsUserInitiated && rec.FullText != nil {
		d.submitSegmentJob(taskID, seed, value, res.Article.ID, rec.FullText.Body)
	}
	if d.pdfEnrich != nil && res.Article.BestOAPDFURL != "" && res.Article.PDFObjectKey == "" {
		d.submitPDFJob(taskID, seed, value, res.Article.ID)
	}
	return nil
}

// scheduleFollowUps startet pro extrahierter Bibliographie-DOI einen eigenen
// Lauf. Deren OriginRefLinkID verhindert die zweite Welle, der Fan-out bleibt
// also bei einem Hop.
func (d *Dispatcher) scheduleFollowUps(taskID string, seed Seed, res *services.IngestResult) {
	for _, fu := range res.FollowUps {
		refLinkID := fu.RefLinkID
		childSeed := Seed{
			IDType:          services.IDTypeDOI,
			Value:           fu.DOI,
			UserID:          seed.UserID,
			OriginRefLinkID: &refLinkID,
		}
		if _, err := d.Dispatch(childSeed); err != nil {
			d.log.Warn("Referenz-Lauf konnte nicht gestartet werden",
				zap.String("parent_task_id", taskID),
				zap.String("doi", fu.DOI),
				zap.Uint("ref_link_id", refLinkID),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) submitSegmentJob(taskID string, seed Seed, value string, articleID uint, xmlInput string) {
	d.scheduler.Submit(Job{
		Name:        "segmentation",
		TaskID:      taskID,
		Identifier:  value,
		UserID:      seed.UserID,
		MaxAttempts: 3,
		Delay:       func(attempt int) time.Duration { return time.Duration(attempt) * 30 * time.Second },
		Run: func(ctx context.Context) error {
			return d.db.Transaction(func(tx *gorm.DB) error {
				var article models.Article
				if err := tx.First(&article, articleID).Error; err != nil {
					return fault.ClassifyDB(err)
				}
				n, err := d.refs.RebuildSegments(tx, &article, xmlInput)
				if err != nil {
					return err
				}
				d.notifier.Publish(seed.UserID, notify.Event{
					TaskID: taskID, Identifier: value,
					Status:    notify.StatusInfo,
					Message:   fmt.Sprintf("%d Segmente mit Zitationsmarkern extrahiert.", n),
					ArticleID: &articleID,
				})
				return nil
			})
		},
	})
}

func (d *Dispatcher) submitPDFJob(taskID string, seed Seed, value string, articleID uint) {
	d.scheduler.Submit(Job{
		Name:        "pdf_enrichment",
		TaskID:      taskID,
		Identifier:  value,
		UserID:      seed.UserID,
		MaxAttempts: 2,
		Delay:       func(attempt int) time.Duration { return time.Duration(attempt) * time.Minute },
		Run: func(ctx context.Context) error {
			return d.pdfEnrich.Enrich(ctx, d.db, articleID)
		},
	})
}

// finishBranch verbucht das Branch-Ergebnis im Tracker und meldet terminale
// Fehlschläge.
func (d *Dispatcher) finishBranch(taskID string, seed Seed, value, source string, err error, tracker *branchTracker) {
	switch {
	case err == nil:
		branchResults.WithLabelValues(source, "success").Inc()
	case fault.KindOf(err) == fault.KindNotFound:
		branchResults.WithLabelValues(source, "not_found").Inc()
		d.notifier.Publish(seed.UserID, notify.Event{
			TaskID: taskID, Identifier: value,
			Status:    notify.StatusNotFound,
			Message:   fmt.Sprintf("%s kennt diesen Artikel nicht.", source),
			SourceAPI: source,
		})
	default:
		branchResults.WithLabelValues(source, "error").Inc()
		d.notifier.Publish(seed.UserID, notify.Event{
			TaskID: taskID, Identifier: value,
			Status:    notify.StatusFailure,
			Message:   fmt.Sprintf("%s fehlgeschlagen: %v", source, err),
			SourceAPI: source,
		})
	}
	tracker.done(err)
}

// awaitCompletion wartet auf alle Branches eines Laufs, meldet den Abschluss
// und bringt den auslösenden Referenz-Link in seinen Endzustand, falls keine
// Quelle ihn verknüpfen konnte.
func (d *Dispatcher) awaitCompletion(taskID string, seed Seed, value string, articleID uint, created bool, tracker *branchTracker) {
	tracker.wait()

	if seed.OriginRefLinkID != nil && !tracker.anySuccess() {
		status := models.RefStatusErrorArticleFetch
		if tracker.allNotFound() {
			status = models.RefStatusArticleNotFound
		}
		if err := d.db.Model(&models.ReferenceLink{}).
			Where("id = ? AND status <> ?", *seed.OriginRefLinkID, models.RefStatusArticleLinked).
			Update("status", status).Error; err != nil {
			d.log.Error("Referenz-Status konnte nicht gesetzt werden",
				zap.Uint("ref_link_id", *seed.OriginRefLinkID), zap.Error(err))
		}
	}

	d.notifier.Publish(seed.UserID, notify.Event{
		TaskID: taskID, Identifier: value,
		Status:    notify.StatusPipelineDone,
		Message:   fmt.Sprintf("Pipeline für %s abgeschlossen.", value),
		ArticleID: &articleID, Created: &created,
	})
	d.log.Info("Pipeline-Lauf abgeschlossen",
		zap.String("task_id", taskID),
		zap.String("identifier", value),
		zap.Int("succeeded", tracker.successes()),
		zap.Int("branches", tracker.total))
}

// branchTracker zählt die terminalen Ergebnisse der Branches eines Laufs.
type branchTracker struct {
	total int

	mu       sync.Mutex
	finished int
	success  int
	notFound int
	cond     chan struct{}
}

func newBranchTracker(total int) *branchTracker {
	return &branchTracker{total: total, cond: make(chan struct{})}
}

func (t *branchTracker) done(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished++
	switch {
	case err == nil:
		t.success++
	case fault.KindOf(err) == fault.KindNotFound:
		t.notFound++
	}
	if t.finished == t.total {
		close(t.cond)
	}
}

func (t *branchTracker) wait() { <-t.cond }

func (t *branchTracker) anySuccess() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.success > 0
}

func (t *branchTracker) allNotFound() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notFound == t.total
}

func (t *branchTracker) successes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.success
}
