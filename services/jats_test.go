package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJATS = `<?xml version="1.0"?>
<article xmlns:xlink="http://www.w3.org/1999/xlink">
  <front>
    <article-meta>
      <title-group>
        <article-title>Wirkung von Curcumin auf Entzündungsmarker</article-title>
      </title-group>
      <abstract>
        <title>Abstract</title>
        <p>Curcumin reduziert Entzündungsmarker in randomisierten Studien.</p>
      </abstract>
    </article-meta>
  </front>
  <body>
    <sec>
      <title>Introduction</title>
      <p>Chronische Entzündungen sind an vielen Erkrankungen beteiligt.</p>
    </sec>
    <sec sec-type="methods">
      <title>Materials and Methods</title>
      <p>Wir führten eine doppelblinde, placebokontrollierte Studie durch.</p>
    </sec>
    <sec>
      <title>Results</title>
      <p>CRP sank in der Interventionsgruppe signifikant.</p>
    </sec>
    <sec>
      <title>Discussion</title>
      <p>Die Ergebnisse stützen frühere Beobachtungen.</p>
    </sec>
    <sec>
      <title>Conclusions</title>
      <p>Curcumin ist eine vielversprechende adjuvante Therapie.</p>
    </sec>
    <sec sec-type="funding">
      <title>Funding</title>
      <p>Gefördert durch Drittmittel.</p>
    </sec>
    <sec>
      <title>Limitations of the study</title>
      <p>Die Stichprobe war klein.</p>
    </sec>
  </body>
</article>`

func TestStructureJATSClassifiesIMRAD(t *testing.T) {
	doc := NewStructurer(testLogger()).StructureJATS(sampleJATS)

	assert.Equal(t, "Wirkung von Curcumin auf Entzündungsmarker", doc.Title)
	assert.Contains(t, doc.Abstract, "reduziert Entzündungsmarker")
	assert.Contains(t, doc.Introduction, "Chronische Entzündungen")
	assert.Contains(t, doc.Methods, "doppelblinde")
	assert.Contains(t, doc.Results, "CRP sank")
	assert.Contains(t, doc.Discussion, "frühere Beobachtungen")
	assert.Contains(t, doc.Conclusion, "adjuvante Therapie")
	assert.Empty(t, doc.FullBodyFallback)

	// Funding fliegt raus, unklassifizierte Abschnitte bleiben benannt.
	require.Len(t, doc.OtherSections, 1)
	assert.Equal(t, "Limitations of the study", doc.OtherSections[0].Title)
	for _, sec := range doc.OtherSections {
		assert.NotContains(t, sec.Text, "Drittmittel")
	}
}

func TestStructureJATSFullBodyFallback(t *testing.T) {
	input := `<article><body>
	  <sec><title>Erster Teil</title><p>Inhalt des ersten Teils.</p></sec>
	  <sec><title>Zweiter Teil</title><p>Inhalt des zweiten Teils.</p></sec>
	</body></article>`

	doc := NewStructurer(testLogger()).StructureJATS(input)
	assert.False(t, doc.hasIMRAD())
	assert.Empty(t, doc.OtherSections)
	assert.Contains(t, doc.FullBodyFallback, "Inhalt des ersten Teils.")
	assert.Contains(t, doc.FullBodyFallback, "Inhalt des zweiten Teils.")
}

func TestStructureJATSMalformedInput(t *testing.T) {
	s := NewStructurer(testLogger())
	assert.True(t, s.StructureJATS("<article><body>kaputt").IsEmpty())
	assert.True(t, s.StructureJATS("").IsEmpty())
	assert.True(t, s.StructureJATS("   ").IsEmpty())
}

func TestStructureJATSIdempotent(t *testing.T) {
	s := NewStructurer(testLogger())
	first := s.StructureJATS(sampleJATS)
	second := s.StructureJATS(sampleJATS)
	assert.Equal(t, string(first.JSON()), string(second.JSON()))
}

func TestCleanedTextOrder(t *testing.T) {
	doc := NewStructurer(testLogger()).StructureJATS(sampleJATS)
	text := doc.CleanedText()

	idxTitle := strings.Index(text, "--- TITLE ---")
	idxAbstract := strings.Index(text, "--- ABSTRACT ---")
	idxIntro := strings.Index(text, "--- INTRODUCTION ---")
	idxConclusion := strings.Index(text, "--- CONCLUSION ---")
	require.True(t, idxTitle >= 0 && idxAbstract > idxTitle)
	require.True(t, idxIntro > idxAbstract)
	require.True(t, idxConclusion > idxIntro)
}

func TestStructureJATSMergesRepeatedSections(t *testing.T) {
	input := `<article><body>
	  <sec><title>Methods</title><p>Teil eins der Methoden.</p></sec>
	  <sec><title>Statistical methods</title><p>Teil zwei der Methoden.</p></sec>
	</body></article>`

	doc := NewStructurer(testLogger()).StructureJATS(input)
	assert.Contains(t, doc.Methods, "Teil eins")
	assert.Contains(t, doc.Methods, "Teil zwei")
}
