package searchsync

import (
	"context"
	"database/sql"
	"sort"

	"bitbucket.org/mmdatafocus/catalog_search/models"
	"gorm.io/gorm"
)

// Extractor reads rows changed since a watermark, ordered by
// (modified_at, id) ascending and capped at limit. An empty batch is a
// normal result, not an error.
type Extractor interface {
	Extract(ctx context.Context, entityType string, since Watermark, limit int) (ChangeBatch, error)
	Ready(ctx context.Context) error
}

// CatalogExtractor reads the movies catalog through gorm. Each Extract
// runs in a single read-only snapshot transaction so a root row and its
// joined relations are never observed at mismatched points in time.
type CatalogExtractor struct {
	db     *gorm.DB
	txOpts *sql.TxOptions
}

func NewCatalogExtractor(db *gorm.DB) *CatalogExtractor {
	return &CatalogExtractor{
		db: db,
		txOpts: &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  true,
		},
	}
}

// keysetCond is the composite-cursor predicate. The id is compared as
// text because the zero watermark carries an empty id, which is not a
// valid uuid literal.
const keysetCond = "(updated_at, CAST(id AS TEXT)) > (?, ?)"
const keysetOrder = "updated_at ASC, CAST(id AS TEXT) ASC"

func (e *CatalogExtractor) Extract(ctx context.Context, entityType string, since Watermark, limit int) (ChangeBatch, error) {
	batch := ChangeBatch{EntityType: entityType}

	tx := e.db.WithContext(ctx).Begin(e.txOpts)
	if tx.Error != nil {
		return batch, &SourceUnavailableError{Err: tx.Error}
	}
	defer tx.Rollback()

	var err error
	switch entityType {
	case EntityMovies:
		batch.Rows, err = extractMovies(tx, since, limit)
	case EntityGenres:
		batch.Rows, err = extractGenres(tx, since, limit)
	case EntityPersons:
		batch.Rows, err = extractPersons(tx, since, limit)
	default:
		err = gorm.ErrInvalidData
	}
	if err != nil {
		return batch, &SourceUnavailableError{Err: err}
	}
	return batch, nil
}

func extractMovies(tx *gorm.DB, since Watermark, limit int) ([]ChangeRow, error) {
	var films []models.FilmWork
	err := tx.
		Where(keysetCond, since.ModifiedAt, since.LastID).
		Order(keysetOrder).
		Limit(limit).
		Find(&films).Error
	if err != nil {
		return nil, err
	}
	if len(films) == 0 {
		return nil, nil
	}

	filmIDs := make([]string, 0, len(films))
	for _, f := range films {
		filmIDs = append(filmIDs, f.ID)
	}

	genresByFilm, err := loadFilmGenres(tx, filmIDs)
	if err != nil {
		return nil, err
	}
	crewByFilm, err := loadFilmCrew(tx, filmIDs)
	if err != nil {
		return nil, err
	}

	rows := make([]ChangeRow, 0, len(films))
	for i := range films {
		f := films[i]
		rows = append(rows, ChangeRow{
			ID:         f.ID,
			ModifiedAt: f.UpdatedAt,
			FilmWork:   &f,
			Genres:     genresByFilm[f.ID],
			Crew:       crewByFilm[f.ID],
		})
	}
	return rows, nil
}

func loadFilmGenres(tx *gorm.DB, filmIDs []string) (map[string][]models.Genre, error) {
	var links []models.GenreFilmWork
	if err := tx.Where("film_work_id IN ?", filmIDs).Find(&links).Error; err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return map[string][]models.Genre{}, nil
	}

	genreIDs := make([]string, 0, len(links))
	for _, l := range links {
		genreIDs = append(genreIDs, l.GenreID)
	}
	var genres []models.Genre
	if err := tx.Where("id IN ?", genreIDs).Find(&genres).Error; err != nil {
		return nil, err
	}
	genreByID := make(map[string]models.Genre, len(genres))
	for _, g := range genres {
		genreByID[g.ID] = g
	}

	byFilm := make(map[string][]models.Genre)
	for _, l := range links {
		if g, ok := genreByID[l.GenreID]; ok {
			byFilm[l.FilmWorkID] = append(byFilm[l.FilmWorkID], g)
		}
	}
	return byFilm, nil
}

func loadFilmCrew(tx *gorm.DB, filmIDs []string) (map[string][]CrewMember, error) {
	var links []models.PersonFilmWork
	if err := tx.Where("film_work_id IN ?", filmIDs).Find(&links).Error; err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return map[string][]CrewMember{}, nil
	}

	personIDs := make([]string, 0, len(links))
	for _, l := range links {
		personIDs = append(personIDs, l.PersonID)
	}
	var persons []models.Person
	if err := tx.Where("id IN ?", personIDs).Find(&persons).Error; err != nil {
		return nil, err
	}
	nameByID := make(map[string]string, len(persons))
	for _, p := range persons {
		nameByID[p.ID] = p.FullName
	}

	byFilm := make(map[string][]CrewMember)
	for _, l := range links {
		name, ok := nameByID[l.PersonID]
		if !ok {
			// Dangling relation; the transformer decides what is fatal
			// for the row, so surface the member with an empty name.
			name = ""
		}
		byFilm[l.FilmWorkID] = append(byFilm[l.FilmWorkID], CrewMember{
			PersonID: l.PersonID,
			Name:     name,
			Role:     l.Role,
		})
	}
	return byFilm, nil
}

func extractGenres(tx *gorm.DB, since Watermark, limit int) ([]ChangeRow, error) {
	var genres []models.Genre
	err := tx.
		Where(keysetCond, since.ModifiedAt, since.LastID).
		Order(keysetOrder).
		Limit(limit).
		Find(&genres).Error
	if err != nil {
		return nil, err
	}
	rows := make([]ChangeRow, 0, len(genres))
	for i := range genres {
		g := genres[i]
		rows = append(rows, ChangeRow{ID: g.ID, ModifiedAt: g.UpdatedAt, Genre: &g})
	}
	return rows, nil
}

func extractPersons(tx *gorm.DB, since Watermark, limit int) ([]ChangeRow, error) {
	var persons []models.Person
	err := tx.
		Where(keysetCond, since.ModifiedAt, since.LastID).
		Order(keysetOrder).
		Limit(limit).
		Find(&persons).Error
	if err != nil {
		return nil, err
	}
	rows := make([]ChangeRow, 0, len(persons))
	for i := range persons {
		p := persons[i]
		rows = append(rows, ChangeRow{ID: p.ID, ModifiedAt: p.UpdatedAt, Person: &p})
	}
	return rows, nil
}

func (e *CatalogExtractor) Ready(ctx context.Context) error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// sortRows is used by tests and by callers assembling synthetic batches;
// the extractor itself relies on the database ORDER BY.
func sortRows(rows []ChangeRow) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].ModifiedAt.Equal(rows[j].ModifiedAt) {
			return rows[i].ModifiedAt.Before(rows[j].ModifiedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}
