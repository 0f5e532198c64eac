package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"perception/api/internal/store"
)

type testClientAPI struct {
	t       *testing.T
	handler http.Handler
}

func newTestAPI(t *testing.T, ms *memStore) *testClientAPI {
	t.Helper()
	server := NewHTTPServer(newTestService(ms), []string{"*"}, nil)
	return &testClientAPI{t: t, handler: server.Handler()}
}

func (c *testClientAPI) do(req *http.Request) (int, map[string]any) {
	c.t.Helper()
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		c.t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return rr.Code, payload
}

func (c *testClientAPI) postJSON(path, body string) (int, map[string]any) {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (test)")
	return c.do(req)
}

func (c *testClientAPI) postForm(path string, values url.Values) (int, map[string]any) {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *testClientAPI) get(path string) (int, map[string]any) {
	return c.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (c *testClientAPI) intake() (string, string) {
	c.t.Helper()
	code, payload := c.postJSON("/api/person", `{"age":30,"consent":true,"country":"CH"}`)
	if code != http.StatusOK {
		c.t.Fatalf("intake failed: %d %v", code, payload)
	}
	sessionID, _ := payload["session_id"].(float64)
	credential, _ := payload["cookie_hash"].(string)
	return jsonNumber(sessionID), credential
}

func jsonNumber(v float64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func ratingFor(t *testing.T, sessionID string, imageID int64) store.RatingInput {
	t.Helper()
	id, err := strconv.ParseInt(sessionID, 10, 64)
	if err != nil {
		t.Fatalf("parse session id %q: %v", sessionID, err)
	}
	return store.RatingInput{SessionID: id, ImageID: imageID, CategoryID: 1, Rating: 3}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func errorsOf(payload map[string]any) []string {
	raw, _ := payload["errors"].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestIntakeRatingUndoFetchScenario(t *testing.T) {
	ms := newMemStore()
	api := newTestAPI(t, ms)

	code, payload := api.postJSON("/api/person", `{"age":"30","consent":true}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, payload)
	}
	credential, _ := payload["cookie_hash"].(string)
	if len(credential) != 40 {
		t.Fatalf("expected 40 char credential, got %q", credential)
	}
	if payload["cookie_hash_urlencoded"] != url.QueryEscape(credential) {
		t.Fatalf("unexpected urlencoded credential %v", payload["cookie_hash_urlencoded"])
	}
	sessionID := jsonNumber(payload["session_id"].(float64))

	code, payload = api.postJSON("/api/rating", mustJSON(t, map[string]any{
		"session_id":  sessionID,
		"image_id":    "1",
		"category_id": "2",
		"rating":      4,
		"cookie_hash": credential,
	}))
	if code != http.StatusOK {
		t.Fatalf("rating failed: %d %v", code, payload)
	}
	if payload["status"] != "ok" || payload["session_rating_count"] != float64(1) {
		t.Fatalf("unexpected rating response %v", payload)
	}
	if counts, _ := payload["category_counts"].(map[string]any); len(counts) != 1 || counts["2"] != float64(1) {
		t.Fatalf("expected category_counts {2:1}, got %v", payload["category_counts"])
	}
	if ts, _ := payload["timestamp"].(string); ts == "" {
		t.Fatalf("expected timestamp, got %v", payload["timestamp"])
	}

	code, payload = api.postJSON("/api/undo", mustJSON(t, map[string]any{"session_id": sessionID, "cookie_hash": credential}))
	if code != http.StatusOK {
		t.Fatalf("undo failed: %d %v", code, payload)
	}
	if counts, _ := payload["category_counts"].(map[string]any); len(counts) != 0 {
		t.Fatalf("expected empty category_counts, got %v", payload["category_counts"])
	}
	if payload["timestamp"] == nil {
		t.Fatal("expected undone timestamp")
	}

	code, payload = api.postJSON("/api/undo", mustJSON(t, map[string]any{"session_id": sessionID, "cookie_hash": credential}))
	if code != http.StatusOK || payload["timestamp"] != nil {
		t.Fatalf("expected second undo to return null timestamp, got %d %v", code, payload)
	}

	if _, err := ms.CreateNewRating(t.Context(), ratingFor(t, sessionID, 1)); err != nil {
		t.Fatalf("seed rating: %v", err)
	}
	code, payload = api.get("/api/image/next?session_id=" + sessionID)
	if code != http.StatusOK {
		t.Fatalf("fetch failed: %d %v", code, payload)
	}
	image, _ := payload["main_image"].(map[string]any)
	if image["image_id"] != float64(2) || image["cityname"] != "Berlin" {
		t.Fatalf("expected image 2 once image 1 is rated, got %v", payload)
	}
}

func TestNextImageEmptyWhenExhausted(t *testing.T) {
	ms := newMemStore()
	api := newTestAPI(t, ms)
	sessionID, _ := api.intake()
	for _, imageID := range []int64{1, 2} {
		if _, err := ms.CreateNewRating(t.Context(), ratingFor(t, sessionID, imageID)); err != nil {
			t.Fatalf("seed rating: %v", err)
		}
	}

	code, payload := api.get("/api/image/next?session_id=" + sessionID)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if _, ok := payload["main_image"]; ok || len(payload) != 0 {
		t.Fatalf("expected empty object, got %v", payload)
	}
}

func TestRatingRejectsTamperedCredential(t *testing.T) {
	ms := newMemStore()
	api := newTestAPI(t, ms)
	sessionID, credential := api.intake()
	_, other := api.intake()

	tampered := "A" + credential[1:]
	if tampered == credential {
		tampered = "B" + credential[1:]
	}

	for name, value := range map[string]string{
		"other person": other,
		"tampered":     tampered,
		"short":        credential[:20],
	} {
		t.Run(name, func(t *testing.T) {
			code, payload := api.postJSON("/api/rating", mustJSON(t, map[string]any{
				"session_id":  sessionID,
				"image_id":    "1",
				"category_id": "1",
				"rating":      "3",
				"cookie_hash": value,
			}))
			if code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", code)
			}
			if got := errorsOf(payload); len(got) != 1 || got[0] != "authentication failed" {
				t.Fatalf("expected generic authentication error, got %v", got)
			}
		})
	}
	if len(ms.ratings) != 0 {
		t.Fatal("no rating should be stored")
	}
}

func TestRatingValidationListsEveryField(t *testing.T) {
	api := newTestAPI(t, newMemStore())
	sessionID, credential := api.intake()

	code, payload := api.postJSON("/api/rating", mustJSON(t, map[string]any{
		"session_id":  sessionID,
		"image_id":    "x1",
		"category_id": "-2",
		"rating":      9,
		"cookie_hash": credential,
	}))
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	want := []string{
		"category_id must be a positive integer",
		"image_id must be a positive integer",
		"rating must be between 1 and 5",
	}
	got := errorsOf(payload)
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRatingAcceptsFormBody(t *testing.T) {
	ms := newMemStore()
	api := newTestAPI(t, ms)
	sessionID, credential := api.intake()

	code, payload := api.postForm("/api/rating", url.Values{
		"session_id":  {sessionID},
		"image_id":    {"2"},
		"category_id": {"1"},
		"rating":      {"5"},
		"cookie_hash": {credential},
	})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, payload)
	}
	if len(ms.ratings) != 1 || ms.ratings[0].score != 5 {
		t.Fatalf("expected stored rating, got %+v", ms.ratings)
	}
}

func TestRatingSurfacesConstraintDetail(t *testing.T) {
	ms := newMemStore()
	api := newTestAPI(t, ms)
	sessionID, credential := api.intake()
	ms.ratingErr = &pgconn.PgError{
		Code:    "23503",
		Message: `insert or update on table "rating" violates foreign key constraint "rating_image_id_fkey"`,
		Detail:  `Key (image_id)=(99) is not present in table "image".`,
	}

	code, payload := api.postJSON("/api/rating", mustJSON(t, map[string]any{
		"session_id":  sessionID,
		"image_id":    "99",
		"category_id": "1",
		"rating":      "2",
		"cookie_hash": credential,
	}))
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	got := errorsOf(payload)
	if len(got) != 2 || !strings.Contains(got[1], "image_id") {
		t.Fatalf("expected constraint message and detail, got %v", got)
	}
}

func TestIntakeValidationAndSanitization(t *testing.T) {
	ms := newMemStore()
	api := newTestAPI(t, ms)

	code, payload := api.postJSON("/api/person", `{"age":"thirty","consent":"sure"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if got := errorsOf(payload); len(got) != 2 {
		t.Fatalf("expected two validation errors, got %v", got)
	}

	code, payload = api.postJSON("/api/person", `{"age":41,"consent":false,"gender":"<img src=x onerror=alert(1)>f","postcode":"8001"}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, payload)
	}
	var stored bool
	for _, survey := range ms.persons {
		if survey.Age == 41 {
			stored = true
			if survey.Gender == nil || *survey.Gender != "f" {
				t.Fatalf("expected sanitized gender, got %v", survey.Gender)
			}
			if survey.Postcode == nil || *survey.Postcode != "8001" || survey.Income != nil || survey.Consent {
				t.Fatalf("unexpected survey %+v", survey)
			}
		}
	}
	if !stored {
		t.Fatal("expected survey to be stored")
	}
}

func TestIntakeRejectsInvalidJSON(t *testing.T) {
	api := newTestAPI(t, newMemStore())

	code, payload := api.postJSON("/api/person", `{"age":`)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if got := errorsOf(payload); len(got) != 1 || got[0] != "invalid JSON body" {
		t.Fatalf("expected invalid body error, got %v", got)
	}
}

func TestSessionRecovery(t *testing.T) {
	api := newTestAPI(t, newMemStore())
	sessionID, credential := api.intake()

	code, payload := api.postJSON("/api/session", mustJSON(t, map[string]any{"session_id": sessionID, "cookie_hash": credential}))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, payload)
	}
	if jsonNumber(payload["session_id"].(float64)) != sessionID || payload["cookie_hash"] != credential {
		t.Fatalf("expected same identity, got %v", payload)
	}

	code, payload = api.postJSON("/api/session", mustJSON(t, map[string]any{"cookie_hash": credential, "new": true}))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, payload)
	}
	if jsonNumber(payload["session_id"].(float64)) == sessionID {
		t.Fatal("expected a new session")
	}

	code, payload = api.postJSON("/api/session", mustJSON(t, map[string]any{"session_id": sessionID}))
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bare session id, got %d", code)
	}
	if got := errorsOf(payload); len(got) != 1 || got[0] != "authentication failed" {
		t.Fatalf("expected generic authentication error, got %v", got)
	}
}

func TestStatsAndCountsEndpoints(t *testing.T) {
	ms := newMemStore()
	api := newTestAPI(t, ms)
	sessionID, credential := api.intake()
	for _, body := range []map[string]any{
		{"image_id": "1", "category_id": "1", "rating": "1"},
		{"image_id": "2", "category_id": "1", "rating": "4"},
	} {
		body["session_id"] = sessionID
		body["cookie_hash"] = credential
		if code, payload := api.postJSON("/api/rating", mustJSON(t, body)); code != http.StatusOK {
			t.Fatalf("rating failed: %d %v", code, payload)
		}
	}

	code, payload := api.get("/api/stats?session_id=" + sessionID)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, payload)
	}
	averages, _ := payload["averages"].(map[string]any)
	if averages["1"] != 2.5 {
		t.Fatalf("expected average 2.5, got %v", payload["averages"])
	}
	minImages, _ := payload["minImages"].([]any)
	maxImages, _ := payload["maxImages"].([]any)
	if len(minImages) != 1 || len(maxImages) != 1 {
		t.Fatalf("expected one extreme per category, got %v", payload)
	}
	if low := minImages[0].(map[string]any); low["image_id"] != float64(1) || low["url"] != "https://img.example.org/1.jpg" {
		t.Fatalf("unexpected minimum %v", low)
	}

	code, payload = api.get("/api/ratings/counts?session_id=" + sessionID)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if counts, _ := payload["category_counts"].(map[string]any); counts["1"] != float64(2) {
		t.Fatalf("unexpected counts %v", payload)
	}

	code, payload = api.get("/api/stats")
	if code != http.StatusBadRequest || len(errorsOf(payload)) != 1 {
		t.Fatalf("expected validation error without session_id, got %d %v", code, payload)
	}
}

func TestCategoriesEndpoint(t *testing.T) {
	api := newTestAPI(t, newMemStore())

	code, payload := api.get("/api/categories?lang=de")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, payload)
	}
	categories, _ := payload["categories"].([]any)
	if len(categories) != 2 {
		t.Fatalf("expected 2 categories, got %v", payload)
	}
	first := categories[0].(map[string]any)
	if first["shortname"] != "safety" || first["description"] != "Wirkt sicher" || first["category_id"] != float64(1) {
		t.Fatalf("unexpected category %v", first)
	}
	second := categories[1].(map[string]any)
	if second["description"] != "Looks lively" {
		t.Fatalf("expected english fallback, got %v", second)
	}

	code, _ = api.get("/api/categories?lang=%3Cscript%3E")
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid language, got %d", code)
	}
}
