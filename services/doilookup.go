package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"paper-pipeline/config"
	"paper-pipeline/fault"
	"paper-pipeline/models"
)

var doiLookupClient = &http.Client{Timeout: 60 * time.Second}

// DOILookupService schlägt für Referenzen ohne DOI per bibliographischer
// CrossRef-Suche einen Kandidaten nach.
type DOILookupService struct {
	cfg *config.Config
	log *zap.Logger
}

// NewDOILookupService erstellt einen DOILookupService.
func NewDOILookupService(cfg *config.Config, logger *zap.Logger) *DOILookupService {
	return &DOILookupService{
		cfg: cfg,
		log: logger.With(zap.String("service", "doi_lookup")),
	}
}

type crossrefBiblioResponse struct {
	Message struct {
		Items []struct {
			DOI   string   `json:"DOI"`
			Title []string `json:"title"`
			Score float64  `json:"score"`
		} `json:"items"`
	} `json:"message"`
}

// Lookup sucht für eine pending_doi_input-Referenz eine DOI und schreibt das
// Ergebnis direkt in die Referenz zurück. Bei Treffer kommt ein FollowUp
// zurück, mit dem der Scheduler den Ziel-Artikel anstoßen kann.
func (s *DOILookupService) Lookup(ctx context.Context, db *gorm.DB, refLinkID uint) (*FollowUp, error) {
	var link models.ReferenceLink
	if err := db.First(&link, refLinkID).Error; err != nil {
		return nil, fault.Wrap(fault.KindNotFound, "doi_lookup", fmt.Sprintf("referenz %d nicht gefunden", refLinkID), err)
	}
	if link.Status != models.RefStatusPendingDOIInput {
		s.log.Info("Referenz nicht mehr pending, Lookup übersprungen",
			zap.Uint("ref_link_id", refLinkID), zap.String("status", link.Status))
		return nil, nil
	}

	link.Status = models.RefStatusDOILookupInProgress
	if err := db.Save(&link).Error; err != nil {
		return nil, fault.ClassifyDB(err)
	}

	query := s.buildQuery(&link)
	if query == "" {
		link.Status = models.RefStatusErrorDOILookup
		link.LogMessages = appendLogMessage(link.LogMessages, "Zu wenig bibliographische Daten für eine DOI-Suche")
		_ = db.Save(&link).Error
		return nil, fault.New(fault.KindInsufficientData, "doi_lookup",
			fmt.Sprintf("referenz %d hat keine verwertbaren bibliographischen daten", refLinkID))
	}

	doi, foundTitle, score, err := s.queryCrossref(ctx, query)
	if err != nil {
		if fault.Retryable(err) {
			// Status zurücksetzen, damit der nächste Batch-Lauf es erneut
			// versucht.
			link.Status = models.RefStatusPendingDOIInput
			_ = db.Save(&link).Error
			return nil, err
		}
		link.Status = models.RefStatusErrorDOILookup
		link.LogMessages = appendLogMessage(link.LogMessages, fmt.Sprintf("DOI-Suche fehlgeschlagen: %v", err))
		_ = db.Save(&link).Error
		return nil, err
	}
	if doi == "" {
		link.Status = models.RefStatusErrorDOILookup
		link.LogMessages = appendLogMessage(link.LogMessages, "CrossRef lieferte keinen Kandidaten")
		if err := db.Save(&link).Error; err != nil {
			return nil, fault.ClassifyDB(err)
		}
		s.log.Info("Keine DOI gefunden", zap.Uint("ref_link_id", refLinkID))
		return nil, nil
	}

	doi = NormalizeIdentifier(IDTypeDOI, doi)
	link.TargetArticleDOI = doi
	link.Status = models.RefStatusDOIProvidedNeedsFetch
	link.ManualDataJSON = mergeSearchResult(link.ManualDataJSON, foundTitle, score)
	if err := db.Save(&link).Error; err != nil {
		return nil, fault.ClassifyDB(err)
	}

	s.log.Info("DOI per bibliographischer Suche gefunden",
		zap.Uint("ref_link_id", refLinkID), zap.String("doi", doi), zap.Float64("score", score))
	return &FollowUp{DOI: doi, RefLinkID: link.ID}, nil
}

// PendingIDs liefert alle Referenzen, die im nächtlichen Batch nachgeschlagen
// werden sollen.
func (s *DOILookupService) PendingIDs(db *gorm.DB) ([]uint, error) {
	var ids []uint
	err := db.Model(&models.ReferenceLink{}).
		Where("status = ? AND (target_article_doi IS NULL OR target_article_doi = '')", models.RefStatusPendingDOIInput).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fault.ClassifyDB(err)
	}
	return ids, nil
}

// buildQuery baut den Suchstring: bevorzugt Titel+Jahr aus den manuellen
// Daten, sonst die ersten 300 Zeichen des Rohtexts.
func (s *DOILookupService) buildQuery(link *models.ReferenceLink) string {
	if len(link.ManualDataJSON) > 0 {
		var manual map[string]any
		if err := json.Unmarshal(link.ManualDataJSON, &manual); err == nil {
			title, _ := manual["title"].(string)
			if strings.TrimSpace(title) != "" {
				year, _ := manual["year"].(string)
				return strings.TrimSpace(title + " " + year)
			}
		}
	}
	raw := strings.TrimSpace(link.RawReferenceText)
	if len(raw) > 300 {
		raw = raw[:300]
	}
	return raw
}

func (s *DOILookupService) queryCrossref(ctx context.Context, query string) (doi, title string, score float64, err error) {
	params := url.Values{}
	params.Set("query.bibliographic", query)
	params.Set("rows", "1")
	if s.cfg.CrossrefMailto != "" {
		params.Set("mailto", s.cfg.CrossrefMailto)
	}
	reqURL := fmt.Sprintf("%s/works?%s", s.cfg.CrossrefBaseURL, params.Encode())

	ctx, cancel := context.WithTimeout(ctx, s.cfg.MetadataTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", "", 0, fault.Wrap(fault.KindUnknown, "doi_lookup", "request-aufbau fehlgeschlagen", err)
	}
	resp, err := doiLookupClient.Do(req)
	if err != nil {
		return "", "", 0, fault.Wrap(fault.KindTransientNetwork, "doi_lookup", "crossref nicht erreichbar", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", "", 0, fault.New(fault.KindTransientNetwork, "doi_lookup",
			fmt.Sprintf("crossref antwortete mit status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fault.New(fault.KindMalformedResponse, "doi_lookup",
			fmt.Sprintf("crossref antwortete mit status %d", resp.StatusCode))
	}

	var payload crossrefBiblioResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", "", 0, fault.Wrap(fault.KindMalformedResponse, "doi_lookup", "antwort nicht dekodierbar", err)
	}
	if len(payload.Message.Items) == 0 {
		return "", "", 0, nil
	}
	item := payload.Message.Items[0]
	if len(item.Title) > 0 {
		title = item.Title[0]
	}
	return item.DOI, title, item.Score, nil
}

// mergeSearchResult hängt das Suchergebnis an die manuellen Daten der
// Referenz an, ohne vorhandene Schlüssel zu verlieren.
func mergeSearchResult(existing datatypes.JSON, foundTitle string, score float64) datatypes.JSON {
	manual := map[string]any{}
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &manual)
	}
	if foundTitle != "" {
		manual["found_title_by_doi_search"] = foundTitle
	}
	manual["found_doi_score"] = score
	out, err := json.Marshal(manual)
	if err != nil {
		return existing
	}
	return datatypes.JSON(out)
}

// appendLogMessage hängt eine Zeile mit Zeitstempel an das Log-Feld der
// Referenz an.
func appendLogMessage(existing, msg string) string {
	line := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), msg)
	if existing == "" {
		return line
	}
	return existing + "\n" + line
}
