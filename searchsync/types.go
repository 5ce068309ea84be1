package searchsync

import (
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/catalog_search/models"
)

const (
	EntityMovies  = "movies"
	EntityGenres  = "genres"
	EntityPersons = "persons"
)

// Watermark is the high-water mark of processed source rows for one
// entity type: the (modified_at, id) pair of the last row whose batch
// was fully loaded. The zero value means "full resync from the
// beginning of time".
type Watermark struct {
	ModifiedAt time.Time `json:"modified_at"`
	LastID     string    `json:"last_id"`
}

func (w Watermark) IsZero() bool {
	return w.ModifiedAt.IsZero() && w.LastID == ""
}

// Before reports whether w precedes other in (modified_at, id) order.
func (w Watermark) Before(other Watermark) bool {
	if !w.ModifiedAt.Equal(other.ModifiedAt) {
		return w.ModifiedAt.Before(other.ModifiedAt)
	}
	return w.LastID < other.LastID
}

// Encode serializes the watermark canonically so the checkpoint CAS can
// compare stored values by byte equality. The zero watermark encodes to
// the empty string, matching an absent checkpoint key.
func (w Watermark) Encode() string {
	if w.IsZero() {
		return ""
	}
	return w.ModifiedAt.UTC().Format(time.RFC3339Nano) + "|" + w.LastID
}

func DecodeWatermark(s string) (Watermark, error) {
	if s == "" {
		return Watermark{}, nil
	}
	ts, id, found := strings.Cut(s, "|")
	if !found {
		return Watermark{}, fmt.Errorf("malformed watermark %q", s)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Watermark{}, fmt.Errorf("malformed watermark %q: %w", s, err)
	}
	return Watermark{ModifiedAt: t, LastID: id}, nil
}

func (w Watermark) String() string {
	if w.IsZero() {
		return "<zero>"
	}
	return w.Encode()
}

// CrewMember is a person attached to a film work together with the role
// they played in it.
type CrewMember struct {
	PersonID string
	Name     string
	Role     string
}

// ChangeRow is one extracted source record plus the related rows needed
// to denormalize it. Exactly one of FilmWork/Genre/Person is set,
// matching the batch's entity type.
type ChangeRow struct {
	ID         string
	ModifiedAt time.Time

	FilmWork *models.FilmWork
	Genre    *models.Genre
	Person   *models.Person

	// Relations resolved for movies, read at the same snapshot as the
	// root row.
	Genres []models.Genre
	Crew   []CrewMember
}

// ChangeBatch is an ordered run of change rows, sorted ascending by
// (modified_at, id). The id tiebreaker makes the order total, which is
// what makes the max watermark a safe resumption point.
type ChangeBatch struct {
	EntityType string
	Rows       []ChangeRow
}

func (b ChangeBatch) Empty() bool {
	return len(b.Rows) == 0
}

// MaxWatermark is the (modified_at, id) of the batch's last row. Rows
// arrive sorted from the extractor, so this is simply the final element.
func (b ChangeBatch) MaxWatermark() Watermark {
	if b.Empty() {
		return Watermark{}
	}
	last := b.Rows[len(b.Rows)-1]
	return Watermark{ModifiedAt: last.ModifiedAt, LastID: last.ID}
}

// Document is an immutable denormalized snapshot ready for the index.
// The body is marshaled once at transform time; re-transforming the same
// source state yields byte-identical bodies.
type Document struct {
	ID   string
	Body []byte
}

type MovieDocument struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Rating      *float64         `json:"rating"`
	Genres      []string         `json:"genres"`
	Persons     []DocumentPerson `json:"persons"`
}

type DocumentPerson struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type GenreDocument struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type PersonDocument struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
}

// LoadResult reports per-document outcomes of one bulk upsert.
type LoadResult struct {
	Succeeded []string
	Failed    map[string]string
}
