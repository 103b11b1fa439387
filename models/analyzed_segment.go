package models

import (
	"time"

	"gorm.io/datatypes"
)

// AnalyzedSegment ist ein Absatz des Volltexts, einer Section zugeordnet und
// mit den zitierten Referenzen verknüpft. Segmente mit UserID == nil sind
// systemgeneriert und werden bei jedem Extraktionslauf vollständig ersetzt.
type AnalyzedSegment struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ArticleID uint    `json:"article_id" gorm:"index;not null"`
	Article   Article `json:"-" gorm:"constraint:OnDelete:CASCADE"`

	UserID *uint `json:"user_id,omitempty" gorm:"index"`

	SectionKey  string `json:"section_key" gorm:"size:512"`
	SegmentText string `json:"segment_text" gorm:"type:text"`

	// Die wörtlichen Inline-Marker des Absatzes (z.B. "12,13"), dedupliziert.
	InlineCitationMarkers datatypes.JSON `json:"inline_citation_markers,omitempty" gorm:"type:jsonb"`

	CitedReferences []ReferenceLink `json:"cited_references,omitempty" gorm:"many2many:segment_cited_references"`

	LLMAnalysisNotes string   `json:"llm_analysis_notes,omitempty" gorm:"type:text"`
	LLMVeracityScore *float64 `json:"llm_veracity_score,omitempty"`
	LLMModelName     string   `json:"llm_model_name,omitempty"`
	PromptUsed       string   `json:"prompt_used,omitempty" gorm:"type:text"`
}

// TableName gibt explizit den Tabellennamen an.
func (AnalyzedSegment) TableName() string {
	return "analyzed_segments"
}
