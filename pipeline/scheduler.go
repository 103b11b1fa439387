package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"paper-pipeline/fault"
	"paper-pipeline/notify"
)

var (
	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_completed_total",
		Help: "Abgeschlossene Pipeline-Jobs nach Ergebnis.",
	}, []string{"job", "result"})

	jobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_job_retries_total",
		Help: "Anzahl der Job-Wiederholungen nach transienten Fehlern.",
	})
)

// Job ist eine Arbeitseinheit für den Worker-Pool. Run wird bei transienten
// Fehlern bis zu MaxAttempts-mal ausgeführt.
type Job struct {
	Name       string
	TaskID     string
	Identifier string
	UserID     *uint

	MaxAttempts int
	// Delay liefert die Wartezeit vor Versuch attempt+1 (attempt zählt ab 1).
	Delay func(attempt int) time.Duration

	Run func(ctx context.Context) error
	// Done läuft nach dem letzten Versuch, mit dem finalen Fehler (nil bei
	// Erfolg). Optional.
	Done func(err error)
}

// Scheduler nimmt Jobs an. Die Indirektion existiert, damit der Dispatcher
// in Tests gegen einen synchronen Fake laufen kann.
type Scheduler interface {
	Submit(job Job) bool
}

// WorkerPool ist der kanalbasierte In-Process-Scheduler der Pipeline.
// Zustellung ist at-least-once innerhalb des Prozesslebens; bei einem Crash
// gehen eingereihte Jobs verloren.
type WorkerPool struct {
	jobs     chan Job
	workers  int
	log      *zap.Logger
	notifier notify.Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool erstellt einen WorkerPool.
func NewWorkerPool(workers, queueSize int, logger *zap.Logger, notifier notify.Notifier) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		jobs:     make(chan Job, queueSize),
		workers:  workers,
		log:      logger.With(zap.String("component", "worker_pool")),
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start fährt die Worker hoch.
func (p *WorkerPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info("Worker-Pool gestartet", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.jobs)))
}

// Stop stoppt die Annahme neuer Jobs und wartet auf die laufenden.
func (p *WorkerPool) Stop() {
	p.cancel()
	close(p.jobs)
	p.wg.Wait()
	p.log.Info("Worker-Pool gestoppt")
}

// Submit reiht einen Job ein. Bei vollem Puffer kommt false zurück, der Job
// wird dann verworfen statt den Aufrufer zu blockieren.
func (p *WorkerPool) Submit(job Job) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		p.log.Error("Job-Queue voll, Job verworfen",
			zap.String("job", job.Name), zap.String("task_id", job.TaskID))
		jobsCompleted.WithLabelValues(job.Name, "dropped").Inc()
		return false
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.runJob(job)
	}
	_ = id
}

// runJob führt einen Job mit Retry-Schleife aus. Nur als transient
// klassifizierte Fehler werden wiederholt; DB-Lock-Konflikte bekommen ihr
// eigenes, linear wachsendes Delay.
func (p *WorkerPool) runJob(job Job) {
	maxAttempts := job.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = job.Run(p.ctx)
		if err == nil {
			jobsCompleted.WithLabelValues(job.Name, "success").Inc()
			break
		}
		if !fault.Retryable(err) || attempt == maxAttempts || p.ctx.Err() != nil {
			p.log.Warn("Job endgültig fehlgeschlagen",
				zap.String("job", job.Name),
				zap.String("task_id", job.TaskID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			jobsCompleted.WithLabelValues(job.Name, resultLabel(err)).Inc()
			break
		}

		jobRetries.Inc()
		delay := p.retryDelay(job, err, attempt)
		p.notifier.Publish(job.UserID, notify.Event{
			TaskID:     job.TaskID,
			Identifier: job.Identifier,
			Status:     notify.StatusRetrying,
			Message:    err.Error(),
			SourceAPI:  job.Name,
		})
		p.log.Info("Job wird wiederholt",
			zap.String("job", job.Name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-p.ctx.Done():
		}
	}

	if job.Done != nil {
		job.Done(err)
	}
}

func (p *WorkerPool) retryDelay(job Job, err error, attempt int) time.Duration {
	if fault.KindOf(err) == fault.KindDBContention {
		return time.Duration(15+10*attempt) * time.Second
	}
	if job.Delay != nil {
		return job.Delay(attempt)
	}
	return time.Duration(attempt) * time.Minute
}

func resultLabel(err error) string {
	switch fault.KindOf(err) {
	case fault.KindNotFound:
		return "not_found"
	case fault.KindPermission:
		return "permission"
	default:
		return "error"
	}
}
