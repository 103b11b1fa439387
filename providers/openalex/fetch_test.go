package openalex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paper-pipeline/config"
	"paper-pipeline/providers"
)

func TestReconstructAbstract(t *testing.T) {
	index := map[string][]int{
		"Curcumin": {0},
		"reduces":  {1},
		"markers":  {2, 5},
		"of":       {3},
		"chronic":  {4},
	}
	assert.Equal(t, "Curcumin reduces markers of chronic markers", ReconstructAbstract(index))
}

func TestReconstructAbstractRejectsSparseIndex(t *testing.T) {
	// Nur 2 von 10 Positionen belegt: mehr Lücke als Text.
	index := map[string][]int{
		"Anfang": {0},
		"Ende":   {9},
	}
	assert.Empty(t, ReconstructAbstract(index))
	assert.Empty(t, ReconstructAbstract(nil))
}

func TestFetchParsesWork(t *testing.T) {
	payload := `{
	  "id": "https://openalex.org/W2100837269",
	  "doi": "https://doi.org/10.3390/foods6100092",
	  "display_name": "Curcumin: A Review",
	  "publication_date": "2017-10-22",
	  "ids": {
	    "pmid": "https://pubmed.ncbi.nlm.nih.gov/29065496",
	    "pmcid": "https://www.ncbi.nlm.nih.gov/pmc/articles/PMC5664031"
	  },
	  "host_venue": {"display_name": "Foods"},
	  "open_access": {"is_oa": true, "oa_status": "gold", "oa_url": "https://example.org/oa"},
	  "authorships": [{"author": {"display_name": "Susan J. Hewlings"}}],
	  "abstract_inverted_index": {"Curcumin": [0], "works": [1]}
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/works/doi:10.3390/foods6100092", r.URL.Path)
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	cfg := &config.Config{OpenAlexBaseURL: srv.URL, ExtendedTimeoutSec: 5}
	f := NewFetcher(cfg, zap.NewNop())
	rec, err := f.Fetch(context.Background(), providers.Request{DOI: "10.3390/foods6100092"})
	require.NoError(t, err)

	assert.Equal(t, "10.3390/foods6100092", rec.DOI)
	assert.Equal(t, "Curcumin: A Review", rec.Title)
	assert.Equal(t, "Curcumin works", rec.Abstract)
	assert.Equal(t, "29065496", rec.PubmedID)
	assert.Equal(t, "PMC5664031", rec.PMCID)
	assert.Equal(t, "Foods", rec.JournalName)
	assert.Equal(t, []string{"Susan J. Hewlings"}, rec.Authors)
	assert.True(t, rec.OAFieldsValid)
	assert.Equal(t, "gold", rec.OAStatus)
	assert.Equal(t, "https://example.org/oa", rec.BestOAURL)
}

func TestEligible(t *testing.T) {
	f := NewFetcher(&config.Config{}, zap.NewNop())
	assert.True(t, f.Eligible(providers.Request{DOI: "10.1/abc"}))
	assert.True(t, f.Eligible(providers.Request{PubmedID: "123"}))
	assert.False(t, f.Eligible(providers.Request{ArxivID: "2101.00001"}))
}
