package services

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	s3client "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paper-pipeline/config"
	"paper-pipeline/fault"
	"paper-pipeline/models"
	"paper-pipeline/storage"
)

// PDFEnrichService lädt das beste OA-PDF eines Artikels, legt es im S3 ab
// und extrahiert den Text als Fallback für Artikel ohne strukturierten
// Volltext. Alles hier ist Best-Effort: ein fehlgeschlagener PDF-Abruf darf
// nie einen Pipeline-Lauf kippen.
type PDFEnrichService struct {
	cfg *config.Config
	s3  *s3client.Client
	log *zap.Logger
}

// NewPDFEnrichService erstellt einen PDFEnrichService. s3 darf nil sein,
// dann entfällt die Archivierung und nur der Text wird extrahiert.
func NewPDFEnrichService(cfg *config.Config, s3 *s3client.Client, logger *zap.Logger) *PDFEnrichService {
	return &PDFEnrichService{
		cfg: cfg,
		s3:  s3,
		log: logger.With(zap.String("service", "pdf_enrich")),
	}
}

// Enrich holt das PDF unter article.BestOAPDFURL, archiviert es und schreibt
// den extrahierten Text in die Artikel-Zeile.
func (s *PDFEnrichService) Enrich(ctx context.Context, db *gorm.DB, articleID uint) error {
	var article models.Article
	if err := db.First(&article, articleID).Error; err != nil {
		return fault.Wrap(fault.KindNotFound, "pdf_enrich",
			fmt.Sprintf("artikel %d nicht gefunden", articleID), err)
	}
	if article.BestOAPDFURL == "" {
		s.log.Info("Kein PDF-Link vorhanden", zap.Uint("article_id", articleID))
		return nil
	}

	data, err := s.download(ctx, article.BestOAPDFURL)
	if err != nil {
		return err
	}

	if s.s3 != nil && s.cfg.S3Enabled() {
		key := fmt.Sprintf("pdfs/article_%d.pdf", article.ID)
		if _, err := storage.UploadFile(ctx, s.s3, s.cfg.StratoS3Bucket, key, data, s.cfg); err != nil {
			s.log.Warn("PDF-Upload fehlgeschlagen", zap.Uint("article_id", articleID), zap.Error(err))
		} else {
			article.PDFObjectKey = key
		}
	}

	text, err := extractPDFText(data)
	if err != nil {
		s.log.Warn("PDF-Text nicht extrahierbar", zap.Uint("article_id", articleID), zap.Error(err))
	} else {
		article.PDFText = text
	}

	if article.PDFObjectKey == "" && article.PDFText == "" {
		return nil
	}
	if err := db.Save(&article).Error; err != nil {
		return fault.ClassifyDB(err)
	}
	s.log.Info("PDF verarbeitet",
		zap.Uint("article_id", articleID),
		zap.Int("bytes", len(data)),
		zap.Bool("archived", article.PDFObjectKey != ""),
		zap.Int("text_len", len(article.PDFText)))
	return nil
}

func (s *PDFEnrichService) download(ctx context.Context, pdfURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PDFTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindUnknown, "pdf_enrich", "request-aufbau fehlgeschlagen", err)
	}
	req.Header.Set("User-Agent", "paper-pipeline/1.0")

	client := &http.Client{Timeout: s.cfg.PDFTimeout()}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransientNetwork, "pdf_enrich", "pdf nicht erreichbar", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fault.New(fault.KindNotFound, "pdf_enrich",
			fmt.Sprintf("pdf nicht mehr verfügbar (status %d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.KindTransientNetwork, "pdf_enrich",
			fmt.Sprintf("pdf-download schlug fehl (status %d)", resp.StatusCode))
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fault.Wrap(fault.KindTransientNetwork, "pdf_enrich", "pdf-download abgebrochen", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF")) {
		return nil, fault.New(fault.KindMalformedResponse, "pdf_enrich", "antwort ist kein pdf")
	}
	return buf.Bytes(), nil
}

// extractPDFText zieht den Klartext aller Seiten aus dem PDF.
func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}
