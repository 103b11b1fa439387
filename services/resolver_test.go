package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-pipeline/fault"
)

func TestFindOrCreateCreatesOnce(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "resolver")
	svc := NewResolveService(testLogger())

	c := Candidates{DOI: "10.1234/abc"}
	first, created, err := svc.FindOrCreate(db, c, &user.ID, "Artikel in Verarbeitung", true)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, first.IsUserInitiated)
	require.NotNil(t, first.DOI)
	assert.Equal(t, "10.1234/abc", *first.DOI)

	second, created, err := svc.FindOrCreate(db, c, &user.ID, "egal", true)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestFindOrCreateMatchesSecondaryIdentifier(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "resolver")
	svc := NewResolveService(testLogger())

	created, isNew, err := svc.FindOrCreate(db, Candidates{DOI: "10.1234/abc", PubmedID: "555"}, &user.ID, "t", true)
	require.NoError(t, err)
	require.True(t, isNew)

	// Dieselbe Zeile über die PMID statt der DOI.
	found, isNew, err := svc.FindOrCreate(db, Candidates{PubmedID: "555"}, &user.ID, "t", true)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, created.ID, found.ID)
}

func TestFindOrCreateByArticleID(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "resolver")
	svc := NewResolveService(testLogger())

	article, _, err := svc.FindOrCreate(db, Candidates{ArxivID: "2101.00001"}, &user.ID, "t", false)
	require.NoError(t, err)
	assert.False(t, article.IsUserInitiated)

	found, isNew, err := svc.FindOrCreate(db, Candidates{ArticleID: &article.ID}, nil, "", false)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, article.ID, found.ID)
}

func TestFindOrCreateRequiresIdentifier(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "resolver")
	svc := NewResolveService(testLogger())

	_, _, err := svc.FindOrCreate(db, Candidates{}, &user.ID, "t", true)
	require.Error(t, err)
	assert.Equal(t, fault.KindInsufficientData, fault.KindOf(err))
}

func TestFindOrCreateRequiresOwnerForNewRows(t *testing.T) {
	db := newTestDB(t)
	svc := NewResolveService(testLogger())

	_, _, err := svc.FindOrCreate(db, Candidates{DOI: "10.1234/neu"}, nil, "t", true)
	require.Error(t, err)
	assert.Equal(t, fault.KindPermission, fault.KindOf(err))

	// Existiert die Zeile bereits, braucht es keinen Besitzer.
	user := newTestUser(t, db, "resolver")
	_, _, err = svc.FindOrCreate(db, Candidates{DOI: "10.1234/neu"}, &user.ID, "t", true)
	require.NoError(t, err)

	found, isNew, err := svc.FindOrCreate(db, Candidates{DOI: "10.1234/neu"}, nil, "", false)
	require.NoError(t, err)
	assert.False(t, isNew)
	require.NotNil(t, found.UserID)
	assert.Equal(t, user.ID, *found.UserID)
}

func TestFindOrCreateFallbackTitle(t *testing.T) {
	db := newTestDB(t)
	user := newTestUser(t, db, "resolver")
	svc := NewResolveService(testLogger())

	article, _, err := svc.FindOrCreate(db, Candidates{DOI: "10.1234/ohne-titel"}, &user.ID, "", true)
	require.NoError(t, err)
	assert.Contains(t, article.Title, "10.1234/ohne-titel")
}
