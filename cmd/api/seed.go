package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"perception/api/internal/config"
	"perception/api/internal/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed CATALOG.yaml",
	Short: "Load images, categories and translations from a YAML catalog",
	Long: `Upserts the catalog into the database. Images are keyed by url and
categories by shortname, so running the same file twice is safe.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer file.Close()

		catalog, err := store.ParseCatalog(file)
		if err != nil {
			return err
		}

		cfg := config.Load(envFile)
		db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 2})
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		result, err := store.NewPostgresStore(db).SeedCatalog(cmd.Context(), catalog)
		if err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d categories, %d translations, %d images\n",
			result.Categories, result.Translations, result.Images)
		return nil
	},
}
