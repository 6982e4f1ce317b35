// Package deeplink builds and signs Deep Linking 2.0 responses for
// the content picker.
package deeplink

import (
	"strings"
	"sync"
)

// Book is a published book the picker can offer.
type Book struct {
	ID    string
	Title string
}

// Unit is a selectable piece of a book.
type Unit struct {
	ID       string
	Title    string
	URL      string
	Text     string
	Kind     string // chapter | front_matter | back_matter
	Gradable bool
	// Activities are the embedded activity IDs the unit grades on.
	Activities []string
}

// Structure is a book's table of contents in reading order.
type Structure struct {
	Book        Book
	FrontMatter []Unit
	Chapters    []Unit
	BackMatter  []Unit
}

// ContentRepository serves the picker's catalog.
type ContentRepository interface {
	Books() []Book
	Structure(bookID string) (Structure, bool)
	Unit(unitID string) (Unit, bool)
}

// StaticRepository is an in-memory ContentRepository loaded at
// startup.
type StaticRepository struct {
	mu     sync.RWMutex
	books  []Structure
	byUnit map[string]Unit
}

func NewStaticRepository(books ...Structure) *StaticRepository {
	r := &StaticRepository{byUnit: map[string]Unit{}}
	for _, b := range books {
		r.Add(b)
	}
	return r
}

func (r *StaticRepository) Add(s Structure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.books = append(r.books, s)
	for _, us := range [][]Unit{s.FrontMatter, s.Chapters, s.BackMatter} {
		for _, u := range us {
			r.byUnit[u.ID] = u
		}
	}
}

func (r *StaticRepository) Books() []Book {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Book, 0, len(r.books))
	for _, s := range r.books {
		out = append(out, s.Book)
	}
	return out
}

func (r *StaticRepository) Structure(bookID string) (Structure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.books {
		if s.Book.ID == bookID {
			return s, true
		}
	}
	return Structure{}, false
}

func (r *StaticRepository) Unit(unitID string) (Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byUnit[unitID]
	return u, ok
}

// ResolveUnit maps a launch target link URI back to a unit by
// matching the unit URL prefix-insensitively.
func (r *StaticRepository) ResolveUnit(targetLinkURI string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, u := range r.byUnit {
		if u.URL != "" && strings.HasPrefix(targetLinkURI, u.URL) {
			return id, true
		}
	}
	return "", false
}

// UnitActivities lists the activity IDs a unit grades on.
func (r *StaticRepository) UnitActivities(unitID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byUnit[unitID]
	if !ok {
		return nil
	}
	return u.Activities
}
