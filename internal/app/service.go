package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"perception/api/internal/auth"
	"perception/api/internal/config"
	"perception/api/internal/logger"
	"perception/api/internal/media"
	"perception/api/internal/metrics"
	"perception/api/internal/store"
)

// Identity is what a browser keeps between visits.
type Identity struct {
	SessionID  int64
	Credential string
}

type SessionRequest struct {
	SessionID  *int64
	Credential string
	New        bool
	Client     store.ClientInfo
}

type RatingRequest struct {
	SessionID  int64
	ImageID    int64
	CategoryID int64
	Rating     int
	Credential string
	Client     store.ClientInfo
}

type RatingResult struct {
	Timestamp          time.Time
	SessionRatingCount int
	CategoryCounts     map[int64]int
}

type UndoResult struct {
	// Timestamp is nil when there was nothing to undo.
	Timestamp      *time.Time
	CategoryCounts map[int64]int
}

type Stats struct {
	Averages  map[int64]float64
	MinImages []store.CategoryExtreme
	MaxImages []store.CategoryExtreme
}

type dataStore interface {
	Ping(context.Context) error
	CreateNewPerson(context.Context, store.SurveyInput) (int64, error)
	CreateOrRetrieveSession(context.Context, int64) (int64, error)
	CreateSession(context.Context, int64) (int64, error)
	IssueCredential(context.Context, store.CredentialInput) ([]byte, error)
	CheckCredential(context.Context, int64, []byte) (bool, error)
	PersonFromSession(context.Context, *int64, []byte) (int64, bool, error)
	CreateNewRating(context.Context, store.RatingInput) (time.Time, error)
	UndoLastRating(context.Context, int64) (*time.Time, error)
	CountRatings(context.Context, int64) (int, error)
	CountRatingsByCategory(context.Context, int64) (map[int64]int, error)
	CategoryAverages(context.Context, int64) (map[int64]float64, error)
	MinMaxImages(context.Context, int64) ([]store.CategoryExtreme, []store.CategoryExtreme, error)
	NextImage(context.Context, int64) (*store.Image, error)
	ListCategories(context.Context, string, string) ([]store.Category, error)
}

type urlResolver interface {
	Resolve(context.Context, string) (string, error)
}

type Service struct {
	cfg   config.Config
	store dataStore
	media urlResolver
	log   *logger.Logger
	now   func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, resolver *media.Resolver, log *logger.Logger) *Service {
	return newService(cfg, dataStore, resolver, log)
}

func newService(cfg config.Config, dataStore dataStore, resolver urlResolver, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		cfg:   cfg,
		store: dataStore,
		media: resolver,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Identity

// NewPerson stores the intake survey and hands back the new person's first
// session together with a credential.
func (s *Service) NewPerson(ctx context.Context, client store.ClientInfo, input store.SurveyInput) (Identity, error) {
	personID, err := s.store.CreateNewPerson(ctx, input)
	if err != nil {
		return Identity{}, err
	}
	metrics.PersonsCreated.Inc()

	sessionID, err := s.store.CreateOrRetrieveSession(ctx, personID)
	if err != nil {
		return Identity{}, err
	}
	credential, err := s.GetCookieHash(ctx, client, personID)
	if err != nil {
		return Identity{}, err
	}
	s.log.Info("person created", "person_id", personID, "session_id", sessionID)
	return Identity{SessionID: sessionID, Credential: credential}, nil
}

// RecoverSession re-binds a returning browser. A credential is always
// required; when a session id is supplied as well, the pair must verify.
func (s *Service) RecoverSession(ctx context.Context, req SessionRequest) (Identity, error) {
	raw, err := auth.DecodeCredential(strings.TrimSpace(req.Credential))
	if err != nil {
		metrics.SessionsResolved.WithLabelValues("rejected").Inc()
		return Identity{}, errAuthentication
	}

	if req.SessionID != nil {
		ok, err := s.checkCredential(ctx, *req.SessionID, raw)
		if err != nil {
			return Identity{}, err
		}
		if !ok {
			metrics.SessionsResolved.WithLabelValues("rejected").Inc()
			return Identity{}, errAuthentication
		}
	}

	personID, ok, err := s.store.PersonFromSession(ctx, req.SessionID, raw)
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		metrics.SessionsResolved.WithLabelValues("rejected").Inc()
		return Identity{}, errAuthentication
	}

	var sessionID int64
	outcome := "existing"
	if req.New {
		outcome = "created"
		sessionID, err = s.store.CreateSession(ctx, personID)
	} else {
		sessionID, err = s.store.CreateOrRetrieveSession(ctx, personID)
	}
	if err != nil {
		return Identity{}, err
	}
	credential, err := s.GetCookieHash(ctx, req.Client, personID)
	if err != nil {
		return Identity{}, err
	}
	metrics.SessionsResolved.WithLabelValues(outcome).Inc()
	return Identity{SessionID: sessionID, Credential: credential}, nil
}

// GetCookieHash returns the person's unexpired credential, issuing a new one
// only when none exists.
func (s *Service) GetCookieHash(ctx context.Context, client store.ClientInfo, personID int64) (string, error) {
	issuedAt := s.now()
	value, err := auth.DeriveCredential([]byte(s.cfg.CredentialSecret), personID, issuedAt)
	if err != nil {
		return "", err
	}
	input := store.CredentialInput{
		PersonID: personID,
		Value:    value,
		Client:   client,
		IssuedAt: issuedAt,
	}
	if s.cfg.CredentialTTL > 0 {
		expiresAt := issuedAt.Add(s.cfg.CredentialTTL)
		input.ExpiresAt = &expiresAt
	}
	stored, err := s.store.IssueCredential(ctx, input)
	if err != nil {
		return "", err
	}
	return auth.EncodeCredential(stored), nil
}

// CheckCookieHash reports whether credential belongs to the owner of the
// session. Malformed credentials are rejected without touching storage.
func (s *Service) CheckCookieHash(ctx context.Context, sessionID int64, credential string) (bool, error) {
	raw, err := auth.DecodeCredential(credential)
	if err != nil {
		metrics.CredentialChecks.WithLabelValues(metrics.CredentialResult(false)).Inc()
		return false, nil
	}
	return s.checkCredential(ctx, sessionID, raw)
}

func (s *Service) checkCredential(ctx context.Context, sessionID int64, raw []byte) (bool, error) {
	ok, err := s.store.CheckCredential(ctx, sessionID, raw)
	if err != nil {
		return false, err
	}
	metrics.CredentialChecks.WithLabelValues(metrics.CredentialResult(ok)).Inc()
	return ok, nil
}

func (s *Service) requireCredential(ctx context.Context, sessionID int64, credential string) error {
	ok, err := s.CheckCookieHash(ctx, sessionID, credential)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn("credential rejected", "session_id", sessionID)
		return errAuthentication
	}
	return nil
}

// Ratings

func (s *Service) SubmitRating(ctx context.Context, req RatingRequest) (RatingResult, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return RatingResult{}, validationError([]string{"rating must be between 1 and 5"})
	}
	if err := s.requireCredential(ctx, req.SessionID, req.Credential); err != nil {
		return RatingResult{}, err
	}

	timestamp, err := s.store.CreateNewRating(ctx, store.RatingInput{
		SessionID:  req.SessionID,
		ImageID:    req.ImageID,
		CategoryID: req.CategoryID,
		Rating:     req.Rating,
		Client:     req.Client,
	})
	if err != nil {
		return RatingResult{}, err
	}
	metrics.RatingsCreated.Inc()

	total, err := s.store.CountRatings(ctx, req.SessionID)
	if err != nil {
		return RatingResult{}, err
	}
	counts, err := s.store.CountRatingsByCategory(ctx, req.SessionID)
	if err != nil {
		return RatingResult{}, err
	}
	return RatingResult{Timestamp: timestamp, SessionRatingCount: total, CategoryCounts: counts}, nil
}

func (s *Service) Undo(ctx context.Context, sessionID int64, credential string) (UndoResult, error) {
	if err := s.requireCredential(ctx, sessionID, credential); err != nil {
		return UndoResult{}, err
	}

	timestamp, err := s.store.UndoLastRating(ctx, sessionID)
	if err != nil {
		return UndoResult{}, err
	}
	if timestamp == nil {
		metrics.RatingsUndone.WithLabelValues("empty").Inc()
	} else {
		metrics.RatingsUndone.WithLabelValues("undone").Inc()
	}

	counts, err := s.store.CountRatingsByCategory(ctx, sessionID)
	if err != nil {
		return UndoResult{}, err
	}
	return UndoResult{Timestamp: timestamp, CategoryCounts: counts}, nil
}

func (s *Service) CategoryCounts(ctx context.Context, sessionID int64) (map[int64]int, error) {
	return s.store.CountRatingsByCategory(ctx, sessionID)
}

func (s *Service) Stats(ctx context.Context, sessionID int64) (Stats, error) {
	averages, err := s.store.CategoryAverages(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	minimums, maximums, err := s.store.MinMaxImages(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	if err := s.resolveExtremes(ctx, minimums); err != nil {
		return Stats{}, err
	}
	if err := s.resolveExtremes(ctx, maximums); err != nil {
		return Stats{}, err
	}
	return Stats{Averages: averages, MinImages: minimums, MaxImages: maximums}, nil
}

func (s *Service) resolveExtremes(ctx context.Context, items []store.CategoryExtreme) error {
	for i := range items {
		resolved, err := s.resolveURL(ctx, items[i].ImageURL)
		if err != nil {
			return err
		}
		items[i].ImageURL = resolved
	}
	return nil
}

// Catalog

// NextImage returns nil once the session has rated every enabled image.
func (s *Service) NextImage(ctx context.Context, sessionID int64) (*store.Image, error) {
	image, err := s.store.NextImage(ctx, sessionID)
	if err != nil || image == nil {
		return nil, err
	}
	image.URL, err = s.resolveURL(ctx, image.URL)
	if err != nil {
		return nil, err
	}
	return image, nil
}

func (s *Service) Categories(ctx context.Context, language string) ([]store.Category, error) {
	fallback := s.cfg.DefaultLanguage
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		language = fallback
	}
	return s.store.ListCategories(ctx, language, fallback)
}

func (s *Service) resolveURL(ctx context.Context, raw string) (string, error) {
	if s.media == nil {
		return raw, nil
	}
	resolved, err := s.media.Resolve(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("resolve image url: %w", err)
	}
	return resolved, nil
}
