package searchsync

import (
	"encoding/json"
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/catalog_search/models"
)

// Transform denormalizes a change batch into index documents. It is a
// pure function: no clock, no store, no hidden state, so transforming
// the same batch content twice yields byte-identical documents. A row
// that fails validation is skipped and reported; it never aborts the
// rest of the batch.
func Transform(batch ChangeBatch) ([]Document, []SkippedRow) {
	docs := make([]Document, 0, len(batch.Rows))
	var skipped []SkippedRow

	for _, row := range batch.Rows {
		var (
			body []byte
			err  *SkippedRow
		)
		switch batch.EntityType {
		case EntityMovies:
			body, err = transformMovie(row)
		case EntityGenres:
			body, err = transformGenre(row)
		case EntityPersons:
			body, err = transformPerson(row)
		default:
			err = &SkippedRow{SourceID: row.ID, Code: "unknown_entity_type", Reason: batch.EntityType}
		}
		if err != nil {
			skipped = append(skipped, *err)
			continue
		}
		docs = append(docs, Document{ID: row.ID, Body: body})
	}
	return docs, skipped
}

func transformMovie(row ChangeRow) ([]byte, *SkippedRow) {
	if row.FilmWork == nil {
		return nil, &SkippedRow{SourceID: row.ID, Code: "missing_root_row", Reason: "film work row absent"}
	}
	if strings.TrimSpace(row.FilmWork.Title) == "" {
		return nil, &SkippedRow{SourceID: row.ID, Code: "missing_title", Reason: "film work title is required"}
	}

	doc := MovieDocument{
		ID:          row.ID,
		Title:       row.FilmWork.Title,
		Description: row.FilmWork.Description,
		Rating:      row.FilmWork.Rating,
		Genres:      genreNames(row.Genres),
		Persons:     documentPersons(row.Crew),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, &SkippedRow{SourceID: row.ID, Code: "marshal_failed", Reason: err.Error()}
	}
	return body, nil
}

// genreNames returns the film's genre names sorted and deduplicated so
// repeated transforms do not depend on join-row ordering.
func genreNames(genres []models.Genre) []string {
	seen := make(map[string]bool, len(genres))
	names := make([]string, 0, len(genres))
	for _, g := range genres {
		name := strings.TrimSpace(g.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// documentPersons orders crew members by role, then name, then id so the
// sequence is deterministic regardless of extraction order.
func documentPersons(crew []CrewMember) []DocumentPerson {
	type key struct{ id, role string }
	seen := make(map[key]bool, len(crew))
	persons := make([]DocumentPerson, 0, len(crew))
	for _, m := range crew {
		name := strings.TrimSpace(m.Name)
		if m.PersonID == "" || name == "" {
			continue
		}
		k := key{id: m.PersonID, role: m.Role}
		if seen[k] {
			continue
		}
		seen[k] = true
		persons = append(persons, DocumentPerson{ID: m.PersonID, Name: name, Role: m.Role})
	}
	sort.Slice(persons, func(i, j int) bool {
		if persons[i].Role != persons[j].Role {
			return persons[i].Role < persons[j].Role
		}
		if persons[i].Name != persons[j].Name {
			return persons[i].Name < persons[j].Name
		}
		return persons[i].ID < persons[j].ID
	})
	return persons
}

func transformGenre(row ChangeRow) ([]byte, *SkippedRow) {
	if row.Genre == nil {
		return nil, &SkippedRow{SourceID: row.ID, Code: "missing_root_row", Reason: "genre row absent"}
	}
	if strings.TrimSpace(row.Genre.Name) == "" {
		return nil, &SkippedRow{SourceID: row.ID, Code: "missing_name", Reason: "genre name is required"}
	}
	body, err := json.Marshal(GenreDocument{
		ID:          row.ID,
		Name:        row.Genre.Name,
		Description: row.Genre.Description,
	})
	if err != nil {
		return nil, &SkippedRow{SourceID: row.ID, Code: "marshal_failed", Reason: err.Error()}
	}
	return body, nil
}

func transformPerson(row ChangeRow) ([]byte, *SkippedRow) {
	if row.Person == nil {
		return nil, &SkippedRow{SourceID: row.ID, Code: "missing_root_row", Reason: "person row absent"}
	}
	if strings.TrimSpace(row.Person.FullName) == "" {
		return nil, &SkippedRow{SourceID: row.ID, Code: "missing_full_name", Reason: "person full name is required"}
	}
	body, err := json.Marshal(PersonDocument{
		ID:       row.ID,
		FullName: row.Person.FullName,
	})
	if err != nil {
		return nil, &SkippedRow{SourceID: row.ID, Code: "marshal_failed", Reason: err.Error()}
	}
	return body, nil
}
