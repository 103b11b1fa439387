package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Status-Werte der Nutzer-Benachrichtigungen. Task-Stufen und
// Pipeline-Stufen sind getrennt, damit das Frontend Gesamtfortschritt und
// Branch-Fortschritt unterscheiden kann.
const (
	StatusPending       = "PENDING"
	StatusProgress      = "PROGRESS"
	StatusInfo          = "INFO"
	StatusWarning       = "WARNING"
	StatusRetrying      = "RETRYING"
	StatusSuccess       = "SUCCESS"
	StatusFailure       = "FAILURE"
	StatusNotFound      = "NOT_FOUND"
	StatusError         = "ERROR"
	StatusSubtaskStart  = "SUBTASK_STARTED"
	StatusPipelineStart = "PIPELINE_START"
	StatusPipelineProg  = "PIPELINE_PROGRESS"
	StatusPipelineInfo  = "PIPELINE_INFO"
	StatusPipelineError = "PIPELINE_ERROR"
	StatusPipelineDone  = "PIPELINE_COMPLETE"
)

// Event ist eine einzelne Benachrichtigung an einen Nutzer.
type Event struct {
	TaskID     string `json:"task_id"`
	Identifier string `json:"identifier,omitempty"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	SourceAPI  string `json:"source_api,omitempty"`

	ProgressPercent *int  `json:"progress_percent,omitempty"`
	ArticleID       *uint `json:"article_id,omitempty"`
	Created         *bool `json:"created,omitempty"`

	OriginatingReferenceLinkID *uint `json:"originating_reference_link_id,omitempty"`

	// Ergebnis-Payload der Segment-Analyse, sonst leer.
	AnalysisData map[string]any `json:"analysis_data,omitempty"`
}

// Notifier stellt Events an einen Nutzer zu. userID == nil (Systemläufe,
// z.B. Referenz-Auflösungen ohne Besitzer) ist erlaubt und wird verworfen.
type Notifier interface {
	Publish(userID *uint, ev Event)
}

// LogNotifier schreibt jedes Event nur ins Log. Dient als Fallback und für
// Tests.
type LogNotifier struct {
	Log *zap.Logger
}

// Publish implementiert Notifier.
func (n *LogNotifier) Publish(userID *uint, ev Event) {
	if userID == nil {
		return
	}
	n.Log.Info("Benachrichtigung",
		zap.Uint("user_id", *userID),
		zap.String("task_id", ev.TaskID),
		zap.String("status", ev.Status),
		zap.String("source_api", ev.SourceAPI),
		zap.String("message", ev.Message))
}

// Hub verteilt Events an verbundene SSE-Clients, pro Nutzer gefächert.
// Langsame Clients verlieren Events statt die Pipeline zu blockieren.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint]map[chan Event]struct{}
	log  *zap.Logger
}

// NewHub erstellt einen Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs: make(map[uint]map[chan Event]struct{}),
		log:  logger.With(zap.String("component", "notify_hub")),
	}
}

// Subscribe registriert einen Client für die Events eines Nutzers.
func (h *Hub) Subscribe(userID uint) chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	return ch
}

// Unsubscribe meldet einen Client ab und schließt den Kanal.
func (h *Hub) Unsubscribe(userID uint, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[userID]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(h.subs, userID)
		}
	}
}

// Publish implementiert Notifier.
func (h *Hub) Publish(userID *uint, ev Event) {
	if userID == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[*userID] {
		select {
		case ch <- ev:
		default:
			h.log.Warn("Event verworfen, Client-Puffer voll",
				zap.Uint("user_id", *userID), zap.String("task_id", ev.TaskID))
		}
	}
}
