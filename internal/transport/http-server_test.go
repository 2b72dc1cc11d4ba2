package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Pasivchik/twitter-back/internal/config"
	"github.com/Pasivchik/twitter-back/internal/db"
	"github.com/Pasivchik/twitter-back/internal/media"
	"github.com/Pasivchik/twitter-back/internal/metrics"
	"github.com/Pasivchik/twitter-back/internal/service"
)

func newTestServer(t *testing.T) (*echo.Echo, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.Bootstrap(conn))

	cfg := &config.Config{MediaDir: t.TempDir(), ExposeErrors: true}
	store, err := media.NewStore(cfg)
	require.NoError(t, err)

	svc := service.NewGeneral(conn, store, zap.NewNop().Sugar())
	m := metrics.NewWith(prometheus.NewRegistry())

	_, e := newServer(cfg, svc, store, m, zap.NewNop().Sugar())
	return e, conn
}

func doJSON(e *echo.Echo, method, target, apiKey, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if apiKey != "" {
		req.Header.Set(HeaderAPIKey, apiKey)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	body := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func createTweet(t *testing.T, e *echo.Echo, apiKey, content string) uint64 {
	t.Helper()

	rec := doJSON(e, http.MethodPost, "/api/tweets", apiKey, fmt.Sprintf(`{"tweet_data":%q}`, content))
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	return uint64(body["tweet_id"].(float64))
}

func TestTweetCreateEndpoint(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/api/tweets", "test", `{"tweet_data":"hello world"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["result"])
	assert.Greater(t, body["tweet_id"].(float64), float64(0))

	// missing content fails validation
	rec = doJSON(e, http.MethodPost, "/api/tweets", "test", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["result"])
	assert.Equal(t, "BadRequest", body["error_type"])

	// validation runs before the credential check
	rec = doJSON(e, http.MethodPost, "/api/tweets", "bogus", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(e, http.MethodPost, "/api/tweets", "bogus", `{"tweet_data":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "Unauthorized", body["error_type"])
}

func TestTweetDeletePreconditionOrder(t *testing.T) {
	e, _ := newTestServer(t)

	// a missing tweet wins over a missing credential
	rec := doJSON(e, http.MethodDelete, "/api/tweets/9999", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	id := createTweet(t, e, "test", "mine")

	rec = doJSON(e, http.MethodDelete, fmt.Sprintf("/api/tweets/%d", id), "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(e, http.MethodDelete, fmt.Sprintf("/api/tweets/%d", id), "test_two", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(e, http.MethodDelete, fmt.Sprintf("/api/tweets/%d", id), "test", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["result"])

	rec = doJSON(e, http.MethodDelete, fmt.Sprintf("/api/tweets/%d", id), "test", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(e, http.MethodDelete, "/api/tweets/not-a-number", "test", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLikeEndpoints(t *testing.T) {
	e, conn := newTestServer(t)

	id := createTweet(t, e, "test", "likeable")

	rec := doJSON(e, http.MethodPost, fmt.Sprintf("/api/tweets/%d/likes", id), "test_two", "")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(e, http.MethodPost, fmt.Sprintf("/api/tweets/%d/likes", id), "test_two", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Conflict", decodeBody(t, rec)["error_type"])

	like := db.Like{}
	require.NoError(t, conn.Where("tweet_id = ?", id).First(&like).Error)

	// a missing like wins over a missing credential
	rec = doJSON(e, http.MethodDelete, "/api/tweets/9999/likes", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(e, http.MethodDelete, fmt.Sprintf("/api/tweets/%d/likes", like.ID), "test", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(e, http.MethodDelete, fmt.Sprintf("/api/tweets/%d/likes", like.ID), "test_two", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLikeMissingTweet(t *testing.T) {
	e, _ := newTestServer(t)

	// the referential constraint surfaces as a server error, not a conflict
	rec := doJSON(e, http.MethodPost, "/api/tweets/9999/likes", "test", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["result"])
}

func TestFollowEndpoints(t *testing.T) {
	e, conn := newTestServer(t)

	one := db.User{}
	require.NoError(t, conn.Where("api_key = ?", "test").First(&one).Error)
	two := db.User{}
	require.NoError(t, conn.Where("api_key = ?", "test_two").First(&two).Error)

	rec := doJSON(e, http.MethodPost, fmt.Sprintf("/api/users/%d/follow", one.ID), "test", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(e, http.MethodPost, "/api/users/9999/follow", "test", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(e, http.MethodPost, fmt.Sprintf("/api/users/%d/follow", two.ID), "test", "")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(e, http.MethodPost, fmt.Sprintf("/api/users/%d/follow", two.ID), "test", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "already following", body["error_message"])

	rec = doJSON(e, http.MethodDelete, fmt.Sprintf("/api/users/%d/follow", two.ID), "test", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = doJSON(e, http.MethodDelete, fmt.Sprintf("/api/users/%d/follow", two.ID), "test", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserProfileEndpoints(t *testing.T) {
	e, conn := newTestServer(t)

	one := db.User{}
	require.NoError(t, conn.Where("api_key = ?", "test").First(&one).Error)

	rec := doJSON(e, http.MethodPost, fmt.Sprintf("/api/users/%d/follow", one.ID), "test_two", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	me := doJSON(e, http.MethodGet, "/api/users/me", "test", "")
	assert.Equal(t, http.StatusOK, me.Code)

	byID := doJSON(e, http.MethodGet, fmt.Sprintf("/api/users/%d", one.ID), "", "")
	assert.Equal(t, http.StatusOK, byID.Code)

	// both views of the same user render the same payload
	assert.JSONEq(t, me.Body.String(), byID.Body.String())

	meBody := decodeBody(t, me)
	user := meBody["user"].(map[string]interface{})
	followers := user["followers"].([]interface{})
	require.Len(t, followers, 1)
	assert.Equal(t, "test_two", followers[0].(map[string]interface{})["name"])

	rec = doJSON(e, http.MethodGet, "/api/users/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(e, http.MethodGet, "/api/users/9999", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHyphenatedAPIKeyHeader(t *testing.T) {
	e, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.Header.Set(HeaderAPIKeyAlt, "test")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "test", body["user"].(map[string]interface{})["name"])
}

func TestTweetListEndpoint(t *testing.T) {
	e, _ := newTestServer(t)

	first := createTweet(t, e, "test", "first")
	second := createTweet(t, e, "test_two", "second")

	rec := doJSON(e, http.MethodPost, fmt.Sprintf("/api/tweets/%d/likes", first), "test_two", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	// the feed is public
	rec = doJSON(e, http.MethodGet, "/api/tweets", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["result"])
	tweets := body["tweets"].([]interface{})
	require.Len(t, tweets, 2)

	newest := tweets[0].(map[string]interface{})
	assert.Equal(t, float64(second), newest["id"])
	assert.Equal(t, "second", newest["content"])
	assert.Equal(t, "test_two", newest["author"].(map[string]interface{})["name"])
	assert.Empty(t, newest["likes"].([]interface{}))

	oldest := tweets[1].(map[string]interface{})
	likes := oldest["likes"].([]interface{})
	require.Len(t, likes, 1)
	assert.Equal(t, "test_two", likes[0].(map[string]interface{})["name"])
}

func uploadMedia(t *testing.T, e *echo.Echo, apiKey, fileName, content string) *httptest.ResponseRecorder {
	t.Helper()

	buf := bytes.Buffer{}
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/medias", &buf)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	if apiKey != "" {
		req.Header.Set(HeaderAPIKey, apiKey)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMediaUploadAndFetch(t *testing.T) {
	e, _ := newTestServer(t)

	rec := uploadMedia(t, e, "test", "shot.png", "pixels")
	assert.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["result"])
	firstID := body["media_id"].(float64)

	// same name resolves to the existing row
	rec = uploadMedia(t, e, "test", "shot.png", "other pixels")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, firstID, decodeBody(t, rec)["media_id"])

	rec = doJSON(e, http.MethodGet, "/media/shot.png", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pixels", rec.Body.String())

	rec = doJSON(e, http.MethodGet, "/media/missing.png", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// no multipart body at all
	rec = doJSON(e, http.MethodPost, "/api/medias", "test", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPing(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodGet, "/ping", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}
