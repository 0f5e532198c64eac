package app

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"perception/api/internal/config"
	"perception/api/internal/store"
)

type memTranslation struct {
	name        string
	description string
}

type memRating struct {
	id         int64
	sessionID  int64
	imageID    int64
	categoryID int64
	score      int
	createdAt  time.Time
}

type memCredential struct {
	personID  int64
	value     []byte
	expiresAt *time.Time
}

// memStore keeps the rules of the Postgres store in memory. Ids are shared
// and sequential; the clock advances one millisecond per write.
type memStore struct {
	mu sync.Mutex

	pingErr   error
	ratingErr error
	personErr error

	nextID       int64
	clock        time.Time
	persons      map[int64]store.SurveyInput
	sessions     map[int64]int64
	credentials  []memCredential
	ratings      []memRating
	undoable     map[int64]int64
	images       []store.Image
	categories   []store.Category
	translations map[int64]map[string]memTranslation

	issued int
}

func newMemStore() *memStore {
	return &memStore{
		clock:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		persons:  make(map[int64]store.SurveyInput),
		sessions: make(map[int64]int64),
		undoable: make(map[int64]int64),
		images: []store.Image{
			{ID: 1, CityName: "Zurich", URL: "https://img.example.org/1.jpg", Enabled: true},
			{ID: 2, CityName: "Berlin", URL: "https://img.example.org/2.jpg", Enabled: true},
			{ID: 3, CityName: "Oslo", URL: "https://img.example.org/3.jpg", Enabled: false},
		},
		categories: []store.Category{
			{ID: 1, ShortName: "safety"},
			{ID: 2, ShortName: "lively"},
		},
		translations: map[int64]map[string]memTranslation{
			1: {"en": {name: "Safe", description: "Looks safe"}, "de": {name: "Sicher", description: "Wirkt sicher"}},
			2: {"en": {name: "Lively", description: "Looks lively"}},
		},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *memStore) Ping(context.Context) error {
	return m.pingErr
}

func (m *memStore) CreateNewPerson(_ context.Context, input store.SurveyInput) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.personErr != nil {
		return 0, m.personErr
	}
	personID := m.id()
	m.persons[personID] = input
	return personID, nil
}

func (m *memStore) CreateOrRetrieveSession(_ context.Context, personID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	for sessionID, owner := range m.sessions {
		if owner == personID && sessionID > current {
			current = sessionID
		}
	}
	if current != 0 {
		return current, nil
	}
	sessionID := m.id()
	m.sessions[sessionID] = personID
	return sessionID, nil
}

func (m *memStore) CreateSession(_ context.Context, personID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionID := m.id()
	m.sessions[sessionID] = personID
	return sessionID, nil
}

func (m *memStore) IssueCredential(_ context.Context, input store.CredentialInput) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, credential := range m.credentials {
		if credential.personID != input.PersonID {
			continue
		}
		if credential.expiresAt == nil || credential.expiresAt.After(m.clock) {
			return credential.value, nil
		}
	}
	m.credentials = append(m.credentials, memCredential{personID: input.PersonID, value: input.Value, expiresAt: input.ExpiresAt})
	m.issued++
	return input.Value, nil
}

func (m *memStore) CheckCredential(_ context.Context, sessionID int64, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.sessions[sessionID]
	if !ok {
		return false, nil
	}
	for _, credential := range m.credentials {
		if credential.personID == owner && bytes.Equal(credential.value, value) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) PersonFromSession(_ context.Context, sessionID *int64, value []byte) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID != nil {
		owner, ok := m.sessions[*sessionID]
		return owner, ok, nil
	}
	for _, credential := range m.credentials {
		if bytes.Equal(credential.value, value) {
			return credential.personID, true, nil
		}
	}
	return 0, false, nil
}

func (m *memStore) CreateNewRating(_ context.Context, input store.RatingInput) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ratingErr != nil {
		return time.Time{}, m.ratingErr
	}
	rating := memRating{
		id:         m.id(),
		sessionID:  input.SessionID,
		imageID:    input.ImageID,
		categoryID: input.CategoryID,
		score:      input.Rating,
		createdAt:  m.tick(),
	}
	m.ratings = append(m.ratings, rating)
	m.undoable[input.SessionID] = rating.id
	return rating.createdAt, nil
}

func (m *memStore) UndoLastRating(_ context.Context, sessionID int64) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ratingID, ok := m.undoable[sessionID]
	if !ok {
		return nil, nil
	}
	delete(m.undoable, sessionID)
	for i, rating := range m.ratings {
		if rating.id == ratingID {
			m.ratings = append(m.ratings[:i], m.ratings[i+1:]...)
			createdAt := rating.createdAt
			return &createdAt, nil
		}
	}
	return nil, nil
}

func (m *memStore) CountRatings(_ context.Context, sessionID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rating := range m.ratings {
		if rating.sessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) CountRatingsByCategory(_ context.Context, sessionID int64) (map[int64]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[int64]int)
	for _, rating := range m.ratings {
		if rating.sessionID == sessionID {
			counts[rating.categoryID]++
		}
	}
	return counts, nil
}

func (m *memStore) CategoryAverages(_ context.Context, sessionID int64) (map[int64]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sums := make(map[int64]int)
	counts := make(map[int64]int)
	for _, rating := range m.ratings {
		if rating.sessionID == sessionID {
			sums[rating.categoryID] += rating.score
			counts[rating.categoryID]++
		}
	}
	averages := make(map[int64]float64, len(sums))
	for categoryID, sum := range sums {
		averages[categoryID] = float64(sum) / float64(counts[categoryID])
	}
	return averages, nil
}

func (m *memStore) MinMaxImages(_ context.Context, sessionID int64) ([]store.CategoryExtreme, []store.CategoryExtreme, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	minimums := make(map[int64]memRating)
	maximums := make(map[int64]memRating)
	for _, rating := range m.ratings {
		if rating.sessionID != sessionID {
			continue
		}
		if current, ok := minimums[rating.categoryID]; !ok || rating.score < current.score {
			minimums[rating.categoryID] = rating
		}
		if current, ok := maximums[rating.categoryID]; !ok || rating.score > current.score {
			maximums[rating.categoryID] = rating
		}
	}
	return m.extremes(minimums), m.extremes(maximums), nil
}

func (m *memStore) extremes(byCategory map[int64]memRating) []store.CategoryExtreme {
	items := make([]store.CategoryExtreme, 0, len(byCategory))
	for categoryID, rating := range byCategory {
		item := store.CategoryExtreme{CategoryID: categoryID, RatingID: rating.id, ImageID: rating.imageID, Rating: rating.score}
		for _, image := range m.images {
			if image.ID == rating.imageID {
				item.ImageURL = image.URL
			}
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CategoryID < items[j].CategoryID })
	return items
}

func (m *memStore) NextImage(_ context.Context, sessionID int64) (*store.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rated := make(map[int64]bool)
	for _, rating := range m.ratings {
		if rating.sessionID == sessionID {
			rated[rating.imageID] = true
		}
	}
	for _, image := range m.images {
		if image.Enabled && !rated[image.ID] {
			found := image
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListCategories(_ context.Context, language, fallbackLanguage string) ([]store.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Category, 0, len(m.categories))
	for _, category := range m.categories {
		item := category
		item.Name = category.ShortName
		if translation, ok := m.translations[category.ID][language]; ok {
			item.Name, item.Description = translation.name, translation.description
		} else if translation, ok := m.translations[category.ID][fallbackLanguage]; ok {
			item.Name, item.Description = translation.name, translation.description
		}
		items = append(items, item)
	}
	return items, nil
}

func newTestService(ms *memStore) *Service {
	svc := newService(config.Config{CredentialSecret: "test-secret", DefaultLanguage: "en"}, ms, nil, nil)
	svc.now = func() time.Time {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		return ms.tick()
	}
	return svc
}
