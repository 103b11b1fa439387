package crossref

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
	"paper-pipeline/fault"
	"paper-pipeline/models"
	"paper-pipeline/providers"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{CrossrefBaseURL: baseURL, MetadataTimeoutSec: 5}
}

const worksPayload = `{
  "message": {
    "DOI": "10.3390/FOODS6100092",
    "title": ["Curcumin", "A Review of Its Effects on Human Health"],
    "abstract": "<i>Curcumin</i> is the principal curcuminoid.",
    "container-title": ["Foods"],
    "published-print": {"date-parts": [[2017, 10]]},
    "author": [
      {"given": "Susan J.", "family": "Hewlings"},
      {"name": "The Curcumin Consortium"}
    ]
  }
}`

func TestFetchParsesWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/works/10.3390%2Ffoods6100092", r.URL.EscapedPath())
		w.Write([]byte(worksPayload))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL), zap.NewNop())
	rec, err := f.Fetch(context.Background(), providers.Request{DOI: "10.3390/foods6100092"})
	require.NoError(t, err)

	assert.Equal(t, "10.3390/foods6100092", rec.DOI)
	assert.Equal(t, "Curcumin, A Review of Its Effects on Human Health", rec.Title)
	assert.Equal(t, "Curcumin is the principal curcuminoid.", rec.Abstract)
	assert.Equal(t, "Foods", rec.JournalName)
	assert.Equal(t, []string{"Susan J. Hewlings", "The Curcumin Consortium"}, rec.Authors)

	require.NotNil(t, rec.PublicationDate)
	assert.Equal(t, time.Date(2017, 10, 1, 0, 0, 0, 0, time.UTC), *rec.PublicationDate)

	require.Len(t, rec.Contents, 1)
	assert.Equal(t, models.FormatJSONMetadata, rec.Contents[0].Format)
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL), zap.NewNop())
	_, err := f.Fetch(context.Background(), providers.Request{DOI: "10.9999/missing"})
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	assert.False(t, fault.Retryable(err))
}

func TestFetchServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL), zap.NewNop())
	_, err := f.Fetch(context.Background(), providers.Request{DOI: "10.9999/down"})
	require.Error(t, err)
	assert.Equal(t, fault.KindTransientNetwork, fault.KindOf(err))
	assert.True(t, fault.Retryable(err))
}

func TestFetchEmptyMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message": {}}`))
	}))
	defer srv.Close()

	f := NewFetcher(testConfig(srv.URL), zap.NewNop())
	_, err := f.Fetch(context.Background(), providers.Request{DOI: "10.9999/leer"})
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestEligible(t *testing.T) {
	f := NewFetcher(testConfig(""), zap.NewNop())
	assert.True(t, f.Eligible(providers.Request{DOI: "10.1/abc"}))
	assert.False(t, f.Eligible(providers.Request{PubmedID: "123"}))
}
