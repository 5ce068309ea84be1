package models

import (
	"os"
	"strings"
	"time"
)

// The catalog lives in its own schema (default "content") owned by the
// admin application; this service only ever reads from it. The prefix is
// overridable for tests that run against a schemaless database.
var catalogSchema = func() string {
	if s := strings.TrimSpace(os.Getenv("CATALOG_SCHEMA")); s != "" {
		return s
	}
	return "content"
}()

var catalogPrefix = catalogSchema + "."

// SetCatalogTablePrefix overrides the schema prefix ("" for tests).
func SetCatalogTablePrefix(prefix string) {
	catalogPrefix = prefix
}

type FilmWork struct {
	ID          string    `gorm:"type:uuid;primary_key" json:"id"`
	Title       string    `gorm:"type:text;not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Rating      *float64  `json:"rating"`
	Type        string    `gorm:"size:20" json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `gorm:"index" json:"updated_at"`
}

func (FilmWork) TableName() string { return catalogPrefix + "film_work" }

type Genre struct {
	ID          string    `gorm:"type:uuid;primary_key" json:"id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `gorm:"index" json:"updated_at"`
}

func (Genre) TableName() string { return catalogPrefix + "genre" }

type Person struct {
	ID        string    `gorm:"type:uuid;primary_key" json:"id"`
	FullName  string    `gorm:"type:text;not null" json:"full_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (Person) TableName() string { return catalogPrefix + "person" }

type GenreFilmWork struct {
	ID         string    `gorm:"type:uuid;primary_key" json:"id"`
	FilmWorkID string    `gorm:"type:uuid;index;not null;column:film_work_id" json:"film_work_id"`
	GenreID    string    `gorm:"type:uuid;index;not null;column:genre_id" json:"genre_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (GenreFilmWork) TableName() string { return catalogPrefix + "genre_film_work" }

type PersonFilmWork struct {
	ID         string    `gorm:"type:uuid;primary_key" json:"id"`
	FilmWorkID string    `gorm:"type:uuid;index;not null;column:film_work_id" json:"film_work_id"`
	PersonID   string    `gorm:"type:uuid;index;not null;column:person_id" json:"person_id"`
	Role       string    `gorm:"size:50;not null" json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

func (PersonFilmWork) TableName() string { return catalogPrefix + "person_film_work" }
