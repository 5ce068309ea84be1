package searchsync

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/catalog_search/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func catalogDB(t *testing.T) *gorm.DB {
	t.Helper()
	models.SetCatalogTablePrefix("")
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	// A second connection would see its own empty :memory: database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(
		&models.FilmWork{},
		&models.Genre{},
		&models.Person{},
		&models.GenreFilmWork{},
		&models.PersonFilmWork{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Snapshot isolation is a live-database concern; in-memory tests run
// without explicit transaction options.
func sqliteExtractor(db *gorm.DB) *CatalogExtractor {
	return &CatalogExtractor{db: db}
}

func seedFilm(t *testing.T, db *gorm.DB, id, title string, updated time.Time) {
	t.Helper()
	film := models.FilmWork{
		ID:        id,
		Title:     title,
		Type:      "movie",
		CreatedAt: updated,
		UpdatedAt: updated,
	}
	if err := db.Create(&film).Error; err != nil {
		t.Fatalf("seed film %s: %v", id, err)
	}
}

func TestCatalogExtractorKeysetPagination(t *testing.T) {
	db := catalogDB(t)
	seedFilm(t, db, "f1", "One", ts(1))
	seedFilm(t, db, "f2", "Two", ts(2))
	seedFilm(t, db, "f3", "Three", ts(3))

	ext := sqliteExtractor(db)
	ctx := context.Background()

	batch, err := ext.Extract(ctx, EntityMovies, Watermark{}, 2)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(batch.Rows) != 2 || batch.Rows[0].ID != "f1" || batch.Rows[1].ID != "f2" {
		t.Fatalf("expected first page {f1, f2}, got %+v", batch.Rows)
	}

	// The next page starts strictly after the previous page's max.
	batch, err = ext.Extract(ctx, EntityMovies, batch.MaxWatermark(), 2)
	if err != nil {
		t.Fatalf("extract page 2: %v", err)
	}
	if len(batch.Rows) != 1 || batch.Rows[0].ID != "f3" {
		t.Fatalf("expected second page {f3}, got %+v", batch.Rows)
	}

	// And the page after that is empty, not an error.
	batch, err = ext.Extract(ctx, EntityMovies, batch.MaxWatermark(), 2)
	if err != nil {
		t.Fatalf("extract page 3: %v", err)
	}
	if !batch.Empty() {
		t.Fatalf("expected empty batch, got %+v", batch.Rows)
	}
}

func TestCatalogExtractorIDTieBreak(t *testing.T) {
	db := catalogDB(t)
	// Same updated_at; order and cursoring fall back to the id.
	seedFilm(t, db, "b-film", "Bravo", ts(2))
	seedFilm(t, db, "a-film", "Alpha", ts(2))

	ext := sqliteExtractor(db)
	ctx := context.Background()

	batch, err := ext.Extract(ctx, EntityMovies, Watermark{}, 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(batch.Rows) != 1 || batch.Rows[0].ID != "a-film" {
		t.Fatalf("expected a-film first, got %+v", batch.Rows)
	}

	batch, err = ext.Extract(ctx, EntityMovies, batch.MaxWatermark(), 1)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(batch.Rows) != 1 || batch.Rows[0].ID != "b-film" {
		t.Fatalf("expected b-film second, got %+v", batch.Rows)
	}
}

func TestCatalogExtractorResolvesRelations(t *testing.T) {
	db := catalogDB(t)
	seedFilm(t, db, "f1", "Solaris", ts(1))

	genres := []models.Genre{
		{ID: "g1", Name: "Drama", CreatedAt: ts(1), UpdatedAt: ts(1)},
		{ID: "g2", Name: "Sci-Fi", CreatedAt: ts(1), UpdatedAt: ts(1)},
	}
	persons := []models.Person{
		{ID: "p1", FullName: "Ann Actor", CreatedAt: ts(1), UpdatedAt: ts(1)},
		{ID: "p2", FullName: "Zo Writer", CreatedAt: ts(1), UpdatedAt: ts(1)},
	}
	if err := db.Create(&genres).Error; err != nil {
		t.Fatalf("seed genres: %v", err)
	}
	if err := db.Create(&persons).Error; err != nil {
		t.Fatalf("seed persons: %v", err)
	}
	links := []models.GenreFilmWork{
		{ID: "gl1", FilmWorkID: "f1", GenreID: "g1", CreatedAt: ts(1)},
		{ID: "gl2", FilmWorkID: "f1", GenreID: "g2", CreatedAt: ts(1)},
	}
	crew := []models.PersonFilmWork{
		{ID: "pl1", FilmWorkID: "f1", PersonID: "p1", Role: "actor", CreatedAt: ts(1)},
		{ID: "pl2", FilmWorkID: "f1", PersonID: "p2", Role: "writer", CreatedAt: ts(1)},
	}
	if err := db.Create(&links).Error; err != nil {
		t.Fatalf("seed genre links: %v", err)
	}
	if err := db.Create(&crew).Error; err != nil {
		t.Fatalf("seed crew links: %v", err)
	}

	ext := sqliteExtractor(db)
	batch, err := ext.Extract(context.Background(), EntityMovies, Watermark{}, 10)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(batch.Rows) != 1 {
		t.Fatalf("expected one row, got %d", len(batch.Rows))
	}
	row := batch.Rows[0]
	if len(row.Genres) != 2 {
		t.Fatalf("expected 2 genres, got %+v", row.Genres)
	}
	if len(row.Crew) != 2 {
		t.Fatalf("expected 2 crew members, got %+v", row.Crew)
	}
	names := map[string]string{}
	for _, m := range row.Crew {
		names[m.PersonID] = m.Name
	}
	if names["p1"] != "Ann Actor" || names["p2"] != "Zo Writer" {
		t.Fatalf("crew names not resolved: %v", names)
	}
}

func TestCatalogExtractorGenresAndPersons(t *testing.T) {
	db := catalogDB(t)
	g := models.Genre{ID: "g1", Name: "Drama", Description: "sad films", CreatedAt: ts(1), UpdatedAt: ts(1)}
	p := models.Person{ID: "p1", FullName: "Ann Actor", CreatedAt: ts(2), UpdatedAt: ts(2)}
	if err := db.Create(&g).Error; err != nil {
		t.Fatalf("seed genre: %v", err)
	}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("seed person: %v", err)
	}

	ext := sqliteExtractor(db)
	ctx := context.Background()

	batch, err := ext.Extract(ctx, EntityGenres, Watermark{}, 10)
	if err != nil || len(batch.Rows) != 1 || batch.Rows[0].Genre == nil {
		t.Fatalf("genres extract: err=%v batch=%+v", err, batch.Rows)
	}
	if batch.Rows[0].Genre.Name != "Drama" {
		t.Fatalf("genre payload mismatch: %+v", batch.Rows[0].Genre)
	}

	batch, err = ext.Extract(ctx, EntityPersons, Watermark{}, 10)
	if err != nil || len(batch.Rows) != 1 || batch.Rows[0].Person == nil {
		t.Fatalf("persons extract: err=%v batch=%+v", err, batch.Rows)
	}
	if batch.Rows[0].Person.FullName != "Ann Actor" {
		t.Fatalf("person payload mismatch: %+v", batch.Rows[0].Person)
	}
}

func TestCatalogExtractorUnknownEntityType(t *testing.T) {
	db := catalogDB(t)
	ext := sqliteExtractor(db)

	_, err := ext.Extract(context.Background(), "albums", Watermark{}, 10)
	if err == nil {
		t.Fatalf("unknown entity type must fail")
	}
}
