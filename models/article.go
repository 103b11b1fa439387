package models

import (
	"time"

	"gorm.io/datatypes"
)

// Article ist der kanonische Datensatz für eine wissenschaftliche Arbeit.
// Alle Quellen-Branches schreiben über den Priority-Merge in genau diese Zeile.
type Article struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID *uint `json:"user_id,omitempty" gorm:"index"`
	User   *User `json:"-" gorm:"constraint:OnDelete:CASCADE"`

	Title    string `json:"title" gorm:"type:text;not null"`
	Abstract string `json:"abstract,omitempty" gorm:"type:text"`

	// Identifier: global eindeutig, sobald gesetzt. NULL statt Leerstring,
	// damit die Unique-Indizes mehrere Artikel ohne den jeweiligen
	// Identifier zulassen.
	DOI      *string `json:"doi,omitempty" gorm:"column:doi;uniqueIndex;size:512"`
	PubmedID *string `json:"pubmed_id,omitempty" gorm:"column:pubmed_id;uniqueIndex;size:64"`
	ArxivID  *string `json:"arxiv_id,omitempty" gorm:"column:arxiv_id;uniqueIndex;size:128"`
	PMCID    string  `json:"pmc_id,omitempty" gorm:"column:pmc_id;index;size:64"`

	// Quelle, die aktuell die beschreibenden Felder "gewonnen" hat.
	PrimarySourceAPI string `json:"primary_source_api,omitempty" gorm:"index"`

	PublicationDate *time.Time `json:"publication_date,omitempty" gorm:"type:date"`
	JournalName     string     `json:"journal_name,omitempty"`

	// Open-Access-Felder (Unpaywall/OpenAlex).
	OAStatus     string `json:"oa_status,omitempty"`
	BestOAURL    string `json:"best_oa_url,omitempty" gorm:"type:text"`
	BestOAPDFURL string `json:"best_oa_pdf_url,omitempty" gorm:"type:text"`
	OALicense    string `json:"oa_license,omitempty"`

	// Strukturierter Volltext (Section-Name -> Text) und der daraus
	// abgeleitete bereinigte Gesamttext.
	StructuredContent datatypes.JSON `json:"structured_content,omitempty" gorm:"type:jsonb"`
	CleanedTextForLLM string         `json:"cleaned_text_for_llm,omitempty" gorm:"type:text"`

	PDFObjectKey string `json:"pdf_object_key,omitempty"`
	PDFText      string `json:"pdf_text,omitempty" gorm:"type:text"`

	// True nur, wenn der Artikel durch eine direkte Nutzeranfrage entstand;
	// reine Zitations-Ziele bleiben false, bis sie direkt angefragt werden.
	IsUserInitiated         bool `json:"is_user_initiated" gorm:"default:false"`
	IsManuallyAddedFullText bool `json:"is_manually_added_full_text" gorm:"default:false"`

	Authors []ArticleAuthorOrder `json:"authors,omitempty" gorm:"constraint:OnDelete:CASCADE"`
}

// TableName gibt explizit den Tabellennamen an.
func (Article) TableName() string {
	return "articles"
}

// HasFullTextIdentifierFor meldet, ob überhaupt ein Identifier gesetzt ist.
func (a *Article) HasAnyIdentifier() bool {
	return a.DOI != nil || a.PubmedID != nil || a.ArxivID != nil || a.PMCID != ""
}

// DOIValue liefert die DOI oder einen Leerstring.
func (a *Article) DOIValue() string {
	if a.DOI == nil {
		return ""
	}
	return *a.DOI
}

// PubmedIDValue liefert die PMID oder einen Leerstring.
func (a *Article) PubmedIDValue() string {
	if a.PubmedID == nil {
		return ""
	}
	return *a.PubmedID
}

// ArxivIDValue liefert die arXiv-ID oder einen Leerstring.
func (a *Article) ArxivIDValue() string {
	if a.ArxivID == nil {
		return ""
	}
	return *a.ArxivID
}
