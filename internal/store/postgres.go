package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"perception/api/internal/auth"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside one transaction. The transaction is detached from the
// caller's cancellation so that, once begun, it always ends in commit or
// rollback.
func (s *PostgresStore) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Identity

func (s *PostgresStore) CreateNewPerson(ctx context.Context, input SurveyInput) (int64, error) {
	var personID int64
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var surveyID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO survey (age, income, education, gender, country, postcode, consent)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, input.Age, input.Income, input.Education, input.Gender, input.Country, input.Postcode, input.Consent).Scan(&surveyID)
		if err != nil {
			return fmt.Errorf("insert survey: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO person (survey_id) VALUES ($1) RETURNING id
		`, surveyID).Scan(&personID); err != nil {
			return fmt.Errorf("insert person: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return personID, nil
}

// Sessions

// CreateOrRetrieveSession returns the person's most recently active session,
// creating one only when the person has none.
func (s *PostgresStore) CreateOrRetrieveSession(ctx context.Context, personID int64) (int64, error) {
	var sessionID int64
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM session
			WHERE person_id = $1
			ORDER BY active DESC, id DESC
			LIMIT 1
		`, personID).Scan(&sessionID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup session: %w", err)
		}
		sessionID, err = insertSession(ctx, tx, personID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return sessionID, nil
}

// CreateSession always opens a fresh session, which becomes the current one.
func (s *PostgresStore) CreateSession(ctx context.Context, personID int64) (int64, error) {
	var sessionID int64
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		sessionID, err = insertSession(ctx, tx, personID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return sessionID, nil
}

func insertSession(ctx context.Context, tx *sql.Tx, personID int64) (int64, error) {
	var sessionID int64
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO session (person_id, active) VALUES ($1, clock_timestamp()) RETURNING id
	`, personID).Scan(&sessionID); err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return sessionID, nil
}

// Credentials

// IssueCredential returns any unexpired credential the person already owns.
// Only when none exists is input.Value persisted, together with the client's
// user agent and IP.
func (s *PostgresStore) IssueCredential(ctx context.Context, input CredentialInput) ([]byte, error) {
	var value []byte
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT value FROM cookie_hash
			WHERE person_id = $1
				AND (expires_at IS NULL OR expires_at > NOW())
			LIMIT 1
		`, input.PersonID).Scan(&value)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup credential: %w", err)
		}

		userAgentID, err := upsertUserAgent(ctx, tx, input.Client.UserAgent)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cookie_hash (person_id, value, useragent_id, ip, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, input.PersonID, input.Value, userAgentID, nullIfEmpty(input.Client.IP), input.IssuedAt, input.ExpiresAt); err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
		value = input.Value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// CheckCredential reports whether the session's owner also owns the credential.
func (s *PostgresStore) CheckCredential(ctx context.Context, sessionID int64, value []byte) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM session s
			JOIN cookie_hash c ON c.person_id = s.person_id
			WHERE s.id = $1 AND c.value = $2
		)
	`, sessionID, value).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check credential: %w", err)
	}
	return ok, nil
}

// PersonFromSession resolves a person by session id when one is given and by
// credential otherwise.
func (s *PostgresStore) PersonFromSession(ctx context.Context, sessionID *int64, value []byte) (int64, bool, error) {
	var (
		personID int64
		err      error
	)
	switch {
	case sessionID != nil:
		err = s.db.QueryRowContext(ctx, `SELECT person_id FROM session WHERE id = $1`, *sessionID).Scan(&personID)
	case len(value) > 0:
		err = s.db.QueryRowContext(ctx, `SELECT person_id FROM cookie_hash WHERE value = $1`, value).Scan(&personID)
	default:
		return 0, false, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve person: %w", err)
	}
	return personID, true, nil
}

// upsertUserAgent returns the id of the deduplicated user-agent row, or nil
// for clients that sent none.
func upsertUserAgent(ctx context.Context, tx *sql.Tx, userAgent string) (*int64, error) {
	if userAgent == "" {
		return nil, nil
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO useragent (hash, value)
		VALUES ($1, $2)
		ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
		RETURNING id
	`, auth.HashUserAgent(userAgent), userAgent).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upsert useragent: %w", err)
	}
	return &id, nil
}

// Ratings

// CreateNewRating appends a rating and points the session's undo slot at it.
func (s *PostgresStore) CreateNewRating(ctx context.Context, input RatingInput) (time.Time, error) {
	var createdAt time.Time
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		userAgentID, err := upsertUserAgent(ctx, tx, input.Client.UserAgent)
		if err != nil {
			return err
		}

		var ratingID int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO rating (session_id, image_id, category_id, rating, useragent_id, ip)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at
		`, input.SessionID, input.ImageID, input.CategoryID, input.Rating, userAgentID, nullIfEmpty(input.Client.IP)).Scan(&ratingID, &createdAt); err != nil {
			return fmt.Errorf("insert rating: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO undoable (session_id, rating_id)
			VALUES ($1, $2)
			ON CONFLICT (session_id) DO UPDATE SET rating_id = EXCLUDED.rating_id
		`, input.SessionID, ratingID); err != nil {
			return fmt.Errorf("upsert undoable: %w", err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return createdAt, nil
}

// UndoLastRating removes the session's pending undoable rating and returns its
// original timestamp. A nil timestamp means there was nothing to undo.
func (s *PostgresStore) UndoLastRating(ctx context.Context, sessionID int64) (*time.Time, error) {
	var undone *time.Time
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var (
			ratingID  int64
			createdAt time.Time
		)
		err := tx.QueryRowContext(ctx, `
			SELECT r.id, r.created_at
			FROM undoable u
			JOIN rating r ON r.id = u.rating_id
			WHERE u.session_id = $1
		`, sessionID).Scan(&ratingID, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup undoable: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM undoable WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("delete undoable: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM rating WHERE id = $1`, ratingID)
		if err != nil {
			return fmt.Errorf("delete rating: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete rating: %w", err)
		}
		// a concurrent undo got there first
		if affected == 0 {
			return nil
		}
		undone = &createdAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return undone, nil
}

func (s *PostgresStore) CountRatings(ctx context.Context, sessionID int64) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rating WHERE session_id = $1`, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count ratings: %w", err)
	}
	return count, nil
}

// CountRatingsByCategory omits categories the session has not rated.
func (s *PostgresStore) CountRatingsByCategory(ctx context.Context, sessionID int64) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category_id, COUNT(*)
		FROM rating
		WHERE session_id = $1
		GROUP BY category_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count ratings by category: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var (
			categoryID int64
			count      int
		)
		if err := rows.Scan(&categoryID, &count); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		counts[categoryID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category counts: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) CategoryAverages(ctx context.Context, sessionID int64) (map[int64]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category_id, AVG(rating)::float8
		FROM rating
		WHERE session_id = $1
		GROUP BY category_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("category averages: %w", err)
	}
	defer rows.Close()

	averages := make(map[int64]float64)
	for rows.Next() {
		var (
			categoryID int64
			average    float64
		)
		if err := rows.Scan(&categoryID, &average); err != nil {
			return nil, fmt.Errorf("scan category average: %w", err)
		}
		averages[categoryID] = average
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category averages: %w", err)
	}
	return averages, nil
}

// MinMaxImages returns, per rated category, the lowest and the highest rating.
// Ties go to the earliest rating (lowest id).
func (s *PostgresStore) MinMaxImages(ctx context.Context, sessionID int64) ([]CategoryExtreme, []CategoryExtreme, error) {
	minimums, err := s.categoryExtremes(ctx, sessionID, "ASC")
	if err != nil {
		return nil, nil, err
	}
	maximums, err := s.categoryExtremes(ctx, sessionID, "DESC")
	if err != nil {
		return nil, nil, err
	}
	return minimums, maximums, nil
}

func (s *PostgresStore) categoryExtremes(ctx context.Context, sessionID int64, direction string) ([]CategoryExtreme, error) {
	if direction != "ASC" && direction != "DESC" {
		return nil, fmt.Errorf("invalid sort direction %q", direction)
	}
	query := `
		SELECT DISTINCT ON (r.category_id) r.category_id, r.id, i.id, i.url, r.rating
		FROM rating r
		JOIN image i ON i.id = r.image_id
		WHERE r.session_id = $1
		ORDER BY r.category_id, r.rating ` + direction + `, r.id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("category extremes: %w", err)
	}
	defer rows.Close()

	items := make([]CategoryExtreme, 0)
	for rows.Next() {
		var item CategoryExtreme
		if err := rows.Scan(&item.CategoryID, &item.RatingID, &item.ImageID, &item.ImageURL, &item.Rating); err != nil {
			return nil, fmt.Errorf("scan category extreme: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category extremes: %w", err)
	}
	return items, nil
}

// Catalog

// NextImage picks a random enabled image the session has not rated yet.
func (s *PostgresStore) NextImage(ctx context.Context, sessionID int64) (*Image, error) {
	var image Image
	err := s.db.QueryRowContext(ctx, `
		SELECT i.id, i.cityname, i.url, i.enabled
		FROM image i
		WHERE i.enabled
			AND NOT EXISTS (
				SELECT 1 FROM rating r
				WHERE r.session_id = $1 AND r.image_id = i.id
			)
		ORDER BY random()
		LIMIT 1
	`, sessionID).Scan(&image.ID, &image.CityName, &image.URL, &image.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next image: %w", err)
	}
	return &image, nil
}

// ListCategories returns enabled categories translated into language, falling
// back to fallbackLanguage and then to the shortname.
func (s *PostgresStore) ListCategories(ctx context.Context, language, fallbackLanguage string) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.id,
			c.shortname,
			COALESCE(t.name, f.name, c.shortname),
			COALESCE(t.description, f.description, '')
		FROM category c
		LEFT JOIN translation t ON t.category_id = c.id AND t.language = $1
		LEFT JOIN translation f ON f.category_id = c.id AND f.language = $2
		WHERE c.enabled
		ORDER BY c.id
	`, language, fallbackLanguage)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.ID, &item.ShortName, &item.Name, &item.Description); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func nullIfEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
