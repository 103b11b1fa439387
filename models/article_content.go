package models

import "time"

// Bekannte Format-Typen für ArticleContent-Zeilen.
const (
	FormatJSONMetadata     = "json_metadata"
	FormatXMLAtomEntry     = "xml_atom_entry"
	FormatLinkPDF          = "link_pdf"
	FormatEPMCFullTextXML  = "epmc_fulltext_xml"
	FormatXMLPubmedEntry   = "xml_pubmed_entry"
	FormatPMCFullTextXML   = "pmc_fulltext_xml"
	FormatMeshTerms        = "mesh_terms"
	FormatRxivJATSFullText = "rxiv_jats_xml_fulltext"
	FormatJSONOAData       = "json_oadata"
	FormatXMLJATSFullText  = "xml_jats_fulltext"
	FormatJSONBioCFullText = "json_bioc_fulltext"
)

// ArticleContent cached die Roh-Antwort einer Quelle pro Artikel und Format.
// (article, source_api_name, format_type) ist eindeutig; jede erfolgreiche
// Antwort derselben Quelle ersetzt die vorige Zeile (Upsert).
type ArticleContent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ArticleID     uint   `json:"article_id" gorm:"index:idx_content_key,unique;not null"`
	SourceAPIName string `json:"source_api_name" gorm:"index:idx_content_key,unique;size:64;not null"`
	FormatType    string `json:"format_type" gorm:"index:idx_content_key,unique;size:64;not null"`

	Content string `json:"content" gorm:"type:text"`

	Article Article `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

// TableName gibt explizit den Tabellennamen an.
func (ArticleContent) TableName() string {
	return "article_contents"
}

// FullTextFormats sind die Formate, aus denen Segmente gebaut werden können,
// in absteigender Präferenz.
var FullTextFormats = []string{
	FormatPMCFullTextXML,
	FormatRxivJATSFullText,
	FormatEPMCFullTextXML,
	FormatXMLJATSFullText,
	FormatJSONBioCFullText,
}

// IsFullTextFormat meldet, ob aus dem Format strukturierter Volltext
// gebaut werden kann.
func IsFullTextFormat(format string) bool {
	for _, f := range FullTextFormats {
		if f == format {
			return true
		}
	}
	return false
}
