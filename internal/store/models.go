package store

import "time"

// ClientInfo carries the diagnostics recorded next to credentials and ratings.
type ClientInfo struct {
	UserAgent string
	IP        string
}

type SurveyInput struct {
	Age       int
	Income    *string
	Education *string
	Gender    *string
	Country   *string
	Postcode  *string
	Consent   bool
}

type CredentialInput struct {
	PersonID  int64
	Value     []byte
	Client    ClientInfo
	IssuedAt  time.Time
	ExpiresAt *time.Time
}

type RatingInput struct {
	SessionID  int64
	ImageID    int64
	CategoryID int64
	Rating     int
	Client     ClientInfo
}

type Image struct {
	ID       int64
	CityName string
	URL      string
	Enabled  bool
}

type Category struct {
	ID          int64
	ShortName   string
	Name        string
	Description string
}

// CategoryExtreme is the lowest or highest rating a session gave in a category.
type CategoryExtreme struct {
	CategoryID int64
	RatingID   int64
	ImageID    int64
	ImageURL   string
	Rating     int
}

type Catalog struct {
	Categories []CatalogCategory `yaml:"categories"`
	Images     []CatalogImage    `yaml:"images"`
}

type CatalogCategory struct {
	ShortName    string               `yaml:"shortname"`
	Enabled      *bool                `yaml:"enabled"`
	Translations []CatalogTranslation `yaml:"translations"`
}

type CatalogTranslation struct {
	Language    string `yaml:"language"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type CatalogImage struct {
	CityName string `yaml:"cityname"`
	URL      string `yaml:"url"`
	Enabled  *bool  `yaml:"enabled"`
}
