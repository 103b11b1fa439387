package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBioC = `[
  {
    "documents": [
      {
        "passages": [
          {"infons": {"section_type": "TITLE", "type": "front"}, "text": "Vitamin D und Immunfunktion"},
          {"infons": {"section_type": "ABSTRACT", "type": "abstract_title_1"}, "text": "Abstract"},
          {"infons": {"section_type": "ABSTRACT", "type": "abstract"}, "text": "Vitamin D moduliert die angeborene Immunantwort."},
          {"infons": {"section_type": "INTRO", "type": "title_1"}, "text": "Introduction"},
          {"infons": {"section_type": "INTRO", "type": "paragraph"}, "text": "Vitamin-D-Mangel ist weltweit verbreitet."},
          {"infons": {"section_type": "METHODS", "type": "title_1"}, "text": "Methods"},
          {"infons": {"section_type": "METHODS", "type": "paragraph"}, "text": "Serumproben wurden per Massenspektrometrie analysiert."},
          {"infons": {"section_type": "RESULTS", "type": "paragraph"}, "text": "Die Supplementierung erhöhte die Cathelicidin-Expression."},
          {"infons": {"section_type": "CONCL", "type": "paragraph"}, "text": "Eine Supplementierung erscheint sinnvoll."},
          {"infons": {"section_type": "REF", "type": "ref"}, "text": "Holick MF. Vitamin D deficiency. N Engl J Med. 2007."}
        ]
      }
    ]
  }
]`

func TestStructureBioCSectionMapping(t *testing.T) {
	doc := NewStructurer(testLogger()).StructureBioC(sampleBioC)

	assert.Equal(t, "Vitamin D und Immunfunktion", doc.Title)
	assert.Equal(t, "Vitamin D moduliert die angeborene Immunantwort.", doc.Abstract)
	assert.Contains(t, doc.Introduction, "weltweit verbreitet")
	assert.Contains(t, doc.Methods, "Massenspektrometrie")
	assert.Contains(t, doc.Results, "Cathelicidin")
	assert.Contains(t, doc.Conclusion, "sinnvoll")
	assert.Empty(t, doc.FullBodyFallback)

	// Referenz-Passagen gehören nicht in den strukturierten Text.
	assert.NotContains(t, doc.CleanedText(), "Holick")
}

func TestStructureBioCFallbackWithoutKnownSections(t *testing.T) {
	input := `[{"documents": [{"passages": [
	  {"infons": {"section_type": "TITLE", "type": "front"}, "text": "Titel"},
	  {"infons": {"section_type": "CASE", "type": "paragraph"}, "text": "Ein ungewöhnlicher Fallbericht."},
	  {"infons": {"section_type": "CASE", "type": "paragraph"}, "text": "Der Verlauf war unauffällig."}
	]}]}]`

	doc := NewStructurer(testLogger()).StructureBioC(input)
	assert.False(t, doc.hasIMRAD())
	assert.Empty(t, doc.OtherSections)
	assert.Contains(t, doc.FullBodyFallback, "Fallbericht")
	assert.Contains(t, doc.FullBodyFallback, "unauffällig")
}

func TestStructureBioCMalformedInput(t *testing.T) {
	s := NewStructurer(testLogger())
	assert.True(t, s.StructureBioC("{nicht valide").IsEmpty())
	assert.True(t, s.StructureBioC("").IsEmpty())

	empty := s.StructureBioC(`[{"documents": []}]`)
	require.NotNil(t, empty)
	assert.True(t, empty.IsEmpty())
}
