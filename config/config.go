package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Globale Prioritätsreihenfolge der Quellen. Niedrigerer Index = höhere
	// Priorität beim Mergen. Unbekannte Quellen gelten als niedrigste Stufe.
	SourcePriority string `envconfig:"SOURCE_PRIORITY" default:"crossref,pubmed,europepmc,semanticscholar,arxiv,rxiv,openalex,unpaywall"`

	// Worker-Pool für die Pipeline-Branches.
	WorkerCount  int `envconfig:"WORKER_COUNT" default:"8"`
	JobQueueSize int `envconfig:"JOB_QUEUE_SIZE" default:"256"`

	CrossrefBaseURL string `envconfig:"CROSSREF_BASE_URL" default:"https://api.crossref.org"`
	CrossrefMailto  string `envconfig:"CROSSREF_MAILTO"`

	ArxivBaseURL string `envconfig:"ARXIV_BASE_URL" default:"http://export.arxiv.org/api"`

	SemanticScholarBaseURL string `envconfig:"S2_BASE_URL" default:"https://api.semanticscholar.org/graph/v1"`
	SemanticScholarAPIKey  string `envconfig:"S2_API_KEY"`

	PubMedBaseURL string `envconfig:"PUBMED_BASE_URL" default:"https://eutils.ncbi.nlm.nih.gov/entrez/eutils"`
	PubMedAPIKey  string `envconfig:"PUBMED_API_KEY"`
	PubMedEmail   string `envconfig:"PUBMED_EMAIL"`
	PubMedTool    string `envconfig:"PUBMED_TOOL" default:"paper-pipeline"`

	EuropePMCBaseURL string `envconfig:"EUROPEPMC_BASE_URL" default:"https://www.ebi.ac.uk/europepmc/webservices/rest"`

	RxivBaseURL string `envconfig:"RXIV_BASE_URL" default:"https://api.biorxiv.org"`

	UnpaywallBaseURL string `envconfig:"UNPAYWALL_BASE_URL" default:"https://api.unpaywall.org/v2"`
	UnpaywallEmail   string `envconfig:"UNPAYWALL_EMAIL"`

	OpenAlexBaseURL string `envconfig:"OPENALEX_BASE_URL" default:"https://api.openalex.org"`
	OpenAlexMailto  string `envconfig:"OPENALEX_MAILTO"`

	// LLM-Endpoint für die Segment-Analyse (OpenAI-kompatibel). Ohne Key
	// degradiert die Analyse zu einem gekennzeichneten Stub-Ergebnis.
	LLMBaseURL string `envconfig:"LLM_BASE_URL" default:"https://api.openai.com/v1"`
	LLMAPIKey  string `envconfig:"LLM_API_KEY"`
	LLMModel   string `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`

	// Timeouts in Sekunden, siehe Retry-Modell der Pipeline.
	MetadataTimeoutSec int `envconfig:"METADATA_TIMEOUT_SEC" default:"30"`
	ExtendedTimeoutSec int `envconfig:"EXTENDED_TIMEOUT_SEC" default:"45"`
	FullTextTimeoutSec int `envconfig:"FULLTEXT_TIMEOUT_SEC" default:"90"`
	PDFTimeoutSec      int `envconfig:"PDF_TIMEOUT_SEC" default:"310"`

	// Cron für den Batch, der pending_doi_input-Referenzen nachschlägt.
	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 3 * * *"`

	// Minimale Absatzlänge für die Segmentierung.
	SegmentMinLength int `envconfig:"SEGMENT_MIN_LENGTH" default:"50"`

	StratoS3Key    string `envconfig:"STRATO_S3_KEY"`
	StratoS3Secret string `envconfig:"STRATO_S3_SECRET"`
	StratoS3URL    string `envconfig:"STRATO_S3_URL"`
	StratoS3Region string `envconfig:"STRATO_S3_REGION"`
	StratoS3Bucket string `envconfig:"STRATO_S3_BUCKET"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// PriorityOrder liefert die Quellen-Prioritätsliste als Slice.
func (c *Config) PriorityOrder() []string {
	parts := strings.Split(c.SourcePriority, ",")
	order := make([]string, 0, len(parts))
	for _, p := range parts {
		if name := strings.TrimSpace(strings.ToLower(p)); name != "" {
			order = append(order, name)
		}
	}
	return order
}

// MetadataTimeout gibt den Standard-Timeout für Metadaten-Abrufe zurück.
func (c *Config) MetadataTimeout() time.Duration {
	return time.Duration(c.MetadataTimeoutSec) * time.Second
}

// ExtendedTimeout gilt für langsamere Metadaten-APIs (S2, EPMC, OpenAlex).
func (c *Config) ExtendedTimeout() time.Duration {
	return time.Duration(c.ExtendedTimeoutSec) * time.Second
}

// FullTextTimeout gilt für Volltext-Downloads (JATS, PMC XML).
func (c *Config) FullTextTimeout() time.Duration {
	return time.Duration(c.FullTextTimeoutSec) * time.Second
}

// PDFTimeout gilt für PDF-Downloads.
func (c *Config) PDFTimeout() time.Duration {
	return time.Duration(c.PDFTimeoutSec) * time.Second
}

// S3Enabled meldet, ob eine S3-Ablage konfiguriert ist.
func (c *Config) S3Enabled() bool {
	return c.StratoS3URL != "" && c.StratoS3Bucket != ""
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
