package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/boostserve/internal/booster"
	"github.com/JakeFAU/boostserve/internal/modelstore"
	"github.com/JakeFAU/boostserve/internal/pipeline"
	"github.com/JakeFAU/boostserve/internal/storage/memory"
)

var artifactColumns = []string{"name", "version", "path", "uri", "checksum", "trained_at"}

func newMockCatalog(t *testing.T) (pgxmock.PgxPoolIface, *ArtifactCatalog) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	catalog, err := NewArtifactCatalogWithPool(mock, "artifacts")
	require.NoError(t, err)
	return mock, catalog
}

func TestReserveSelectsNextVersion(t *testing.T) {
	t.Parallel()

	mock, catalog := newMockCatalog(t)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) \+ 1 FROM artifacts`).
		WithArgs("spam").
		WillReturnRows(mock.NewRows([]string{"next"}).AddRow(4))

	version, err := catalog.Reserve(context.Background(), "spam")
	require.NoError(t, err)
	require.Equal(t, 4, version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordInsertsRow(t *testing.T) {
	t.Parallel()

	mock, catalog := newMockCatalog(t)
	now := time.Unix(1700000000, 0).UTC()
	entry := modelstore.Entry{
		Name:      "spam",
		Version:   4,
		Path:      "models/spam/4.json",
		URI:       "gs://bucket/models/spam/4.json",
		Checksum:  "abc123",
		TrainedAt: now,
	}
	mock.ExpectExec("INSERT INTO artifacts").
		WithArgs(entry.Name, entry.Version, entry.Path, entry.URI, entry.Checksum, entry.TrainedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, catalog.Record(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPropagatesError(t *testing.T) {
	t.Parallel()

	mock, catalog := newMockCatalog(t)
	mock.ExpectExec("INSERT INTO artifacts").
		WithArgs("m", 1, "p", "u", "c", pgxmock.AnyArg()).
		WillReturnError(errors.New("duplicate key"))

	err := catalog.Record(context.Background(), modelstore.Entry{Name: "m", Version: 1, Path: "p", URI: "u", Checksum: "c"})
	require.ErrorContains(t, err, "duplicate key")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupLatestAndMissing(t *testing.T) {
	t.Parallel()

	mock, catalog := newMockCatalog(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("ORDER BY version DESC LIMIT 1").
		WithArgs("spam").
		WillReturnRows(mock.NewRows(artifactColumns).AddRow("spam", 2, "models/spam/2.json", "memory://models/spam/2.json", "sum", now))
	mock.ExpectQuery("WHERE name = \\$1 AND version = \\$2").
		WithArgs("spam", 9).
		WillReturnError(pgx.ErrNoRows)

	entry, err := catalog.Lookup(context.Background(), "spam", modelstore.Latest)
	require.NoError(t, err)
	require.Equal(t, "spam:2", entry.Tag())
	require.Equal(t, "sum", entry.Checksum)

	_, err = catalog.Lookup(context.Background(), "spam", 9)
	var notFound *pipeline.ModelNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "spam:9", notFound.Identifier)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListScansRows(t *testing.T) {
	t.Parallel()

	mock, catalog := newMockCatalog(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT name, version, path, uri, checksum, trained_at FROM artifacts").
		WillReturnRows(mock.NewRows(artifactColumns).
			AddRow("a", 1, "models/a/1.json", "u1", "c1", now).
			AddRow("b", 3, "models/b/3.json", "u2", "c2", now))

	entries, err := catalog.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "b:3", entries[1].Tag())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, catalog := newMockCatalog(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS artifacts").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, catalog.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreWithPostgresCatalog(t *testing.T) {
	t.Parallel()

	mock, catalog := newMockCatalog(t)
	mock.ExpectQuery("SELECT COALESCE").WithArgs("m").
		WillReturnRows(mock.NewRows([]string{"next"}).AddRow(1))
	mock.ExpectExec("INSERT INTO artifacts").
		WithArgs("m", 1, "models/m/1.json", "memory://models/m/1.json", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := modelstore.New(memory.NewBlobStore(), catalog, modelstore.Config{}, nil)
	model := &booster.Model{Features: 1, Trees: []booster.Tree{{Nodes: []booster.Node{{Leaf: true}}}}}
	saved, err := store.Save(context.Background(), "m", modelstore.Artifact{Columns: []string{"x"}, Model: model})
	require.NoError(t, err)
	require.Equal(t, "m:1", saved.Tag())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewArtifactCatalogWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewArtifactCatalogWithPool(nil, "x")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewArtifactCatalogWithPool(mock, "bad;name")
	require.Error(t, err)
}
