package pubmed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paper-pipeline/config"
	"paper-pipeline/models"
	"paper-pipeline/providers"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		PubMedBaseURL:      baseURL,
		PubMedTool:         "paper-pipeline",
		MetadataTimeoutSec: 5,
		ExtendedTimeoutSec: 5,
		FullTextTimeoutSec: 5,
	}
}

const efetchPayload = `<?xml version="1.0"?>
<PubmedArticleSet>
  <PubmedArticle>
    <MedlineCitation>
      <PMID>29065496</PMID>
      <Article>
        <Journal>
          <JournalIssue>
            <PubDate><Year>2017</Year><Month>Oct</Month><Day>22</Day></PubDate>
          </JournalIssue>
          <Title>Foods</Title>
        </Journal>
        <ArticleTitle>Curcumin: A Review of Its Effects on Human Health</ArticleTitle>
        <Abstract>
          <AbstractText Label="Background">Curcumin ist das Haupt-Curcuminoid.</AbstractText>
          <AbstractText>Es wird intensiv untersucht.</AbstractText>
        </Abstract>
        <AuthorList>
          <Author><LastName>Hewlings</LastName><ForeName>Susan J.</ForeName></Author>
          <Author><CollectiveName>The Curcumin Consortium</CollectiveName></Author>
        </AuthorList>
      </Article>
      <MeshHeadingList>
        <MeshHeading><DescriptorName>Curcumin</DescriptorName></MeshHeading>
        <MeshHeading><DescriptorName>Anti-Inflammatory Agents</DescriptorName></MeshHeading>
        <MeshHeading><DescriptorName>  </DescriptorName></MeshHeading>
      </MeshHeadingList>
    </MedlineCitation>
    <PubmedData>
      <ArticleIdList>
        <ArticleId IdType="doi">10.3390/FOODS6100092</ArticleId>
      </ArticleIdList>
    </PubmedData>
  </PubmedArticle>
</PubmedArticleSet>`

func TestFetchParsesEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/efetch.fcgi", r.URL.Path)
		assert.Equal(t, "pubmed", r.URL.Query().Get("db"))
		assert.Equal(t, "29065496", r.URL.Query().Get("id"))
		w.Write([]byte(efetchPayload))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL), zap.NewNop())
	rec, err := f.Fetch(context.Background(), providers.Request{PubmedID: "29065496"})
	require.NoError(t, err)

	assert.Equal(t, "Curcumin: A Review of Its Effects on Human Health", rec.Title)
	assert.Equal(t, "BACKGROUND: Curcumin ist das Haupt-Curcuminoid.\n\nEs wird intensiv untersucht.", rec.Abstract)
	assert.Equal(t, "Foods", rec.JournalName)
	assert.Equal(t, "29065496", rec.PubmedID)
	assert.Equal(t, "10.3390/foods6100092", rec.DOI)
	assert.Equal(t, []string{"Susan J. Hewlings", "The Curcumin Consortium"}, rec.Authors)
	require.NotNil(t, rec.PublicationDate)
	assert.Equal(t, time.Date(2017, 10, 22, 0, 0, 0, 0, time.UTC), *rec.PublicationDate)

	// Kein PMCID in der Antwort, also kein Volltext-Lauf.
	assert.Nil(t, rec.FullText)
	assert.Empty(t, rec.PMCID)
}

func TestFetchStoresMeshTermsNewlineJoined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(efetchPayload))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL), zap.NewNop())
	rec, err := f.Fetch(context.Background(), providers.Request{PubmedID: "29065496"})
	require.NoError(t, err)

	var mesh string
	for _, blob := range rec.Contents {
		if blob.Format == models.FormatMeshTerms {
			mesh = blob.Body
		}
	}
	assert.Equal(t, "Curcumin\nAnti-Inflammatory Agents", mesh)
}

func TestEligible(t *testing.T) {
	f := NewFetcher(&config.Config{}, zap.NewNop())
	assert.True(t, f.Eligible(providers.Request{PubmedID: "123"}))
	assert.True(t, f.Eligible(providers.Request{DOI: "10.1/x"}))
	assert.False(t, f.Eligible(providers.Request{ArxivID: "2101.00001"}))
}
