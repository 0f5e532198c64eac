package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

type SeedResult struct {
	Categories   int
	Translations int
	Images       int
}

// ParseCatalog reads a YAML catalog of categories, translations and images.
func ParseCatalog(r io.Reader) (Catalog, error) {
	var catalog Catalog
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&catalog); err != nil {
		if err == io.EOF {
			return Catalog{}, nil
		}
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	for i, category := range catalog.Categories {
		if strings.TrimSpace(category.ShortName) == "" {
			return Catalog{}, fmt.Errorf("category %d: shortname is required", i)
		}
		for _, translation := range category.Translations {
			if translation.Language == "" || translation.Name == "" {
				return Catalog{}, fmt.Errorf("category %s: translations need language and name", category.ShortName)
			}
		}
	}
	for i, image := range catalog.Images {
		if image.URL == "" || image.CityName == "" {
			return Catalog{}, fmt.Errorf("image %d: url and cityname are required", i)
		}
	}
	return catalog, nil
}

// SeedCatalog upserts the catalog in a single transaction. Running it twice
// with the same file is a no-op apart from refreshed names and flags.
func (s *PostgresStore) SeedCatalog(ctx context.Context, catalog Catalog) (SeedResult, error) {
	var result SeedResult
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, category := range catalog.Categories {
			var categoryID int64
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO category (shortname, enabled)
				VALUES ($1, $2)
				ON CONFLICT (shortname) DO UPDATE SET enabled = EXCLUDED.enabled
				RETURNING id
			`, category.ShortName, enabledOrDefault(category.Enabled)).Scan(&categoryID); err != nil {
				return fmt.Errorf("upsert category %s: %w", category.ShortName, err)
			}
			result.Categories++

			for _, translation := range category.Translations {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO translation (category_id, language, name, description)
					VALUES ($1, $2, $3, $4)
					ON CONFLICT (category_id, language) DO UPDATE
					SET name = EXCLUDED.name, description = EXCLUDED.description
				`, categoryID, translation.Language, translation.Name, translation.Description); err != nil {
					return fmt.Errorf("upsert translation %s/%s: %w", category.ShortName, translation.Language, err)
				}
				result.Translations++
			}
		}

		for _, image := range catalog.Images {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO image (cityname, url, enabled)
				VALUES ($1, $2, $3)
				ON CONFLICT (url) DO UPDATE SET cityname = EXCLUDED.cityname, enabled = EXCLUDED.enabled
			`, image.CityName, image.URL, enabledOrDefault(image.Enabled)); err != nil {
				return fmt.Errorf("upsert image %s: %w", image.URL, err)
			}
			result.Images++
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}
	return result, nil
}

func enabledOrDefault(enabled *bool) bool {
	if enabled == nil {
		return true
	}
	return *enabled
}
