package models

import (
	"time"

	"gorm.io/datatypes"
)

// Status-Maschine einer ReferenceLink-Zeile. Übergänge werden ausschließlich
// vom Dispatcher bzw. den Quellen-Branches getrieben.
const (
	RefStatusPendingDOIInput       = "pending_doi_input"
	RefStatusDOILookupInProgress   = "doi_lookup_in_progress"
	RefStatusDOIProvidedNeedsFetch = "doi_provided_needs_lookup"
	RefStatusArticleFetchInProg    = "article_fetch_in_progress"
	RefStatusArticleLinked         = "article_linked"
	RefStatusArticleNotFound       = "article_not_found"
	RefStatusManualEntry           = "manual_entry"
	RefStatusManualMetadataOnly    = "manual_metadata_only"
	RefStatusErrorDOILookup        = "error_doi_lookup"
	RefStatusErrorArticleFetch     = "error_article_fetch"
	RefStatusErrorProcessing       = "error_processing"
)

// ReferenceLink ist ein Literaturverzeichnis-Eintrag eines Quell-Artikels,
// optional aufgelöst auf einen Ziel-Artikel.
type ReferenceLink struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SourceArticleID uint    `json:"source_article_id" gorm:"index;not null"`
	SourceArticle   Article `json:"-" gorm:"foreignKey:SourceArticleID;constraint:OnDelete:CASCADE"`

	ResolvedArticleID *uint    `json:"resolved_article_id,omitempty" gorm:"index"`
	ResolvedArticle   *Article `json:"-" gorm:"foreignKey:ResolvedArticleID;constraint:OnDelete:SET NULL"`

	RawReferenceText string `json:"raw_reference_text,omitempty" gorm:"type:text"`
	TargetArticleDOI string `json:"target_article_doi,omitempty" gorm:"index;size:512"`

	// Freier Metadaten-Sack; enthält u.a. die dokumentinterne jats_ref_id,
	// über die Inline-Zitate dem Eintrag zugeordnet werden.
	ManualDataJSON datatypes.JSON `json:"manual_data_json,omitempty" gorm:"type:jsonb"`

	Status      string `json:"status" gorm:"index;size:64;default:pending_doi_input"`
	LogMessages string `json:"log_messages,omitempty" gorm:"type:text"`
}

// TableName gibt explizit den Tabellennamen an.
func (ReferenceLink) TableName() string {
	return "reference_links"
}
