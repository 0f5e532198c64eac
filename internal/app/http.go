package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"perception/api/internal/logger"
	"perception/api/internal/metrics"
	"perception/api/internal/schema"
	"perception/api/internal/store"
)

const maxBodyBytes = 64 << 10

type HTTPServer struct {
	service     *Service
	corsOrigins []string
	log         *logger.Logger
}

func NewHTTPServer(service *Service, corsOrigins []string, log *logger.Logger) *HTTPServer {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPServer{service: service, corsOrigins: corsOrigins, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("perception-api"))
	router.Use(cors.New(s.corsConfig()))
	router.Use(s.withRequestLog())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/health", s.handleHealth)
	api.HEAD("/health", s.handleHealth)
	api.GET("/ready", s.handleReady)

	api.POST("/person", s.handleNewPerson)
	api.POST("/session", s.handleSession)
	api.POST("/rating", s.handleRating)
	api.POST("/undo", s.handleUndo)
	api.GET("/image/next", s.handleNextImage)
	api.GET("/stats", s.handleStats)
	api.GET("/categories", s.handleCategories)
	api.GET("/ratings/counts", s.handleCategoryCounts)

	return router
}

func (s *HTTPServer) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodHead, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	for _, origin := range s.corsOrigins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(s.corsOrigins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = s.corsOrigins
	return cfg
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := gin.H{"database": gin.H{"status": "ok"}}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = gin.H{"status": "error", "error": err.Error()}
	}
	c.JSON(statusCode, gin.H{"ok": status == "ready", "status": status, "checks": checks})
}

// Request schemas

var (
	sessionIDField  = schema.Field{Rule: "required,number,max=18", Message: "session_id must be a positive integer"}
	// Credential shape errors carry the same message as failed verification.
	credentialField = schema.Field{Rule: "required,len=40,base64", Message: errAuthentication.Message}
	surveyTextField = schema.Field{Rule: "max=128", Message: "survey answers must be at most 128 characters", Sanitize: true}
)

var (
	personSchema = schema.Schema{
		"age":       {Rule: "required,number,max=3", Message: "age must be a number"},
		"income":    surveyTextField,
		"education": surveyTextField,
		"gender":    surveyTextField,
		"country":   surveyTextField,
		"postcode":  {Rule: "max=16", Message: "postcode must be at most 16 characters", Sanitize: true},
		"consent":   {Rule: "required,boolean", Message: "consent must be true or false"},
	}
	sessionSchema = schema.Schema{
		"session_id":  {Rule: "number,max=18", Message: sessionIDField.Message},
		"cookie_hash": {Rule: "len=40,base64", Message: errAuthentication.Message},
		"new":         {Rule: "boolean", Message: "new must be true or false"},
	}
	ratingSchema = schema.Schema{
		"session_id":  sessionIDField,
		"image_id":    {Rule: "required,number,max=18", Message: "image_id must be a positive integer"},
		"category_id": {Rule: "required,number,max=18", Message: "category_id must be a positive integer"},
		"rating":      {Rule: "required,oneof=1 2 3 4 5", Message: "rating must be between 1 and 5"},
		"cookie_hash": credentialField,
	}
	undoSchema = schema.Schema{
		"session_id":  sessionIDField,
		"cookie_hash": credentialField,
	}
	sessionReadSchema = schema.Schema{
		"session_id": sessionIDField,
	}
	categoriesSchema = schema.Schema{
		"lang": {Rule: "bcp47_language_tag", Message: "lang must be a language code"},
	}
)

// Handlers

func (s *HTTPServer) handleNewPerson(c *gin.Context) {
	values, ok := s.bind(c, personSchema)
	if !ok {
		return
	}
	age, err := strconv.Atoi(values.String("age"))
	if err != nil {
		s.fail(c, validationError([]string{personSchema["age"].Message}))
		return
	}

	identity, err := s.service.NewPerson(c.Request.Context(), clientInfo(c), store.SurveyInput{
		Age:       age,
		Income:    values.OptionalString("income"),
		Education: values.OptionalString("education"),
		Gender:    values.OptionalString("gender"),
		Country:   values.OptionalString("country"),
		Postcode:  values.OptionalString("postcode"),
		Consent:   values.Bool("consent"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":             identity.SessionID,
		"cookie_hash":            identity.Credential,
		"cookie_hash_urlencoded": url.QueryEscape(identity.Credential),
	})
}

func (s *HTTPServer) handleSession(c *gin.Context) {
	values, ok := s.bind(c, sessionSchema)
	if !ok {
		return
	}
	req := SessionRequest{
		Credential: values.String("cookie_hash"),
		New:        values.Bool("new"),
		Client:     clientInfo(c),
	}
	if values.Has("session_id") {
		sessionID, ok := s.int64Param(c, values, "session_id")
		if !ok {
			return
		}
		req.SessionID = &sessionID
	}

	identity, err := s.service.RecoverSession(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":  identity.SessionID,
		"cookie_hash": identity.Credential,
	})
}

func (s *HTTPServer) handleRating(c *gin.Context) {
	values, ok := s.bind(c, ratingSchema)
	if !ok {
		return
	}
	sessionID, ok := s.int64Param(c, values, "session_id")
	if !ok {
		return
	}
	imageID, ok := s.int64Param(c, values, "image_id")
	if !ok {
		return
	}
	categoryID, ok := s.int64Param(c, values, "category_id")
	if !ok {
		return
	}
	rating, _ := values.Int64("rating")

	result, err := s.service.SubmitRating(c.Request.Context(), RatingRequest{
		SessionID:  sessionID,
		ImageID:    imageID,
		CategoryID: categoryID,
		Rating:     int(rating),
		Credential: values.String("cookie_hash"),
		Client:     clientInfo(c),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"timestamp":            result.Timestamp,
		"session_rating_count": result.SessionRatingCount,
		"category_counts":      result.CategoryCounts,
	})
}

func (s *HTTPServer) handleUndo(c *gin.Context) {
	values, ok := s.bind(c, undoSchema)
	if !ok {
		return
	}
	sessionID, ok := s.int64Param(c, values, "session_id")
	if !ok {
		return
	}

	result, err := s.service.Undo(c.Request.Context(), sessionID, values.String("cookie_hash"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"timestamp":       result.Timestamp,
		"category_counts": result.CategoryCounts,
	})
}

func (s *HTTPServer) handleNextImage(c *gin.Context) {
	sessionID, ok := s.sessionParam(c)
	if !ok {
		return
	}
	image, err := s.service.NextImage(c.Request.Context(), sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if image == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"main_image": gin.H{
			"cityname": image.CityName,
			"url":      image.URL,
			"image_id": image.ID,
		},
	})
}

type extremeView struct {
	CategoryID int64  `json:"category_id"`
	ImageID    int64  `json:"image_id"`
	URL        string `json:"url"`
	Rating     int    `json:"rating"`
}

func extremeViews(items []store.CategoryExtreme) []extremeView {
	views := make([]extremeView, 0, len(items))
	for _, item := range items {
		views = append(views, extremeView{
			CategoryID: item.CategoryID,
			ImageID:    item.ImageID,
			URL:        item.ImageURL,
			Rating:     item.Rating,
		})
	}
	return views
}

func (s *HTTPServer) handleStats(c *gin.Context) {
	sessionID, ok := s.sessionParam(c)
	if !ok {
		return
	}
	stats, err := s.service.Stats(c.Request.Context(), sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"averages":  stats.Averages,
		"minImages": extremeViews(stats.MinImages),
		"maxImages": extremeViews(stats.MaxImages),
	})
}

func (s *HTTPServer) handleCategories(c *gin.Context) {
	values, ok := s.bind(c, categoriesSchema)
	if !ok {
		return
	}
	categories, err := s.service.Categories(c.Request.Context(), values.String("lang"))
	if err != nil {
		s.fail(c, err)
		return
	}
	items := make([]gin.H, 0, len(categories))
	for _, category := range categories {
		items = append(items, gin.H{
			"category_id": category.ID,
			"shortname":   category.ShortName,
			"name":        category.Name,
			"description": category.Description,
		})
	}
	c.JSON(http.StatusOK, gin.H{"categories": items})
}

func (s *HTTPServer) handleCategoryCounts(c *gin.Context) {
	sessionID, ok := s.sessionParam(c)
	if !ok {
		return
	}
	counts, err := s.service.CategoryCounts(c.Request.Context(), sessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"category_counts": counts})
}

// Parameter plumbing

// bind collects parameters and validates them, writing the error response
// itself when validation fails.
func (s *HTTPServer) bind(c *gin.Context, sch schema.Schema) (schema.Values, bool) {
	params, err := collectParams(c.Writer, c.Request)
	if err != nil {
		s.fail(c, validationError([]string{err.Error()}))
		return nil, false
	}
	values, errs := sch.Apply(params)
	if len(errs) > 0 {
		s.fail(c, validationError(errs))
		return nil, false
	}
	return values, true
}

func (s *HTTPServer) sessionParam(c *gin.Context) (int64, bool) {
	values, ok := s.bind(c, sessionReadSchema)
	if !ok {
		return 0, false
	}
	return s.int64Param(c, values, "session_id")
}

func (s *HTTPServer) int64Param(c *gin.Context, values schema.Values, name string) (int64, bool) {
	value, ok := values.Int64(name)
	if !ok {
		s.fail(c, validationError([]string{name + " must be a positive integer"}))
		return 0, false
	}
	return value, true
}

// collectParams merges query parameters with a JSON or form body. Body
// values win over query values of the same name.
func collectParams(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return params, nil
	}
	defer r.Body.Close()
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = body
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return nil, fmt.Errorf("invalid form body")
		}
		for key, values := range r.PostForm {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		return params, nil
	default:
		decoder := json.NewDecoder(body)
		decoder.UseNumber()
		var payload map[string]any
		if err := decoder.Decode(&payload); err != nil {
			if errors.Is(err, io.EOF) {
				return params, nil
			}
			return nil, fmt.Errorf("invalid JSON body")
		}
		for key, value := range payload {
			if text, ok := stringifyParam(value); ok {
				params[key] = text
			}
		}
		return params, nil
	}
}

func stringifyParam(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

func clientInfo(c *gin.Context) store.ClientInfo {
	return store.ClientInfo{UserAgent: c.Request.UserAgent(), IP: c.ClientIP()}
}

// Responses

// fail writes every error as HTTP 400 with an errors list.
func (s *HTTPServer) fail(c *gin.Context, err error) {
	messages := s.errorMessages(c, err)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"errors": messages})
}

func (s *HTTPServer) errorMessages(c *gin.Context, err error) []string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		if details, ok := domainErr.Details.([]string); ok && len(details) > 0 {
			return details
		}
		return []string{domainErr.Message}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		s.log.Warn("storage constraint", "request_id", requestID(c), "code", pgErr.Code, "error", pgErr.Message)
		messages := []string{pgErr.Message}
		if pgErr.Detail != "" {
			messages = append(messages, pgErr.Detail)
		}
		return messages
	}

	s.log.Error("request failed", "request_id", requestID(c), "path", c.Request.URL.Path, "error", err)
	return []string{"internal error"}
}

// Middleware

const requestIDKey = "request_id"

func (s *HTTPServer) withRequestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Header("Cache-Control", "no-store")

		started := time.Now()
		c.Next()
		elapsed := time.Since(started)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		s.log.Info("request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
