package transport

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Pasivchik/twitter-back/internal/config"
	"github.com/Pasivchik/twitter-back/internal/db"
	"github.com/Pasivchik/twitter-back/internal/media"
	"github.com/Pasivchik/twitter-back/internal/metrics"
	"github.com/Pasivchik/twitter-back/internal/models"
	"github.com/Pasivchik/twitter-back/internal/service"
)

// The opaque credential travels in a request header. Clients send either
// the underscore or the hyphen spelling; both are accepted.
const (
	HeaderAPIKey    = "api_key"
	HeaderAPIKeyAlt = "Api-Key"
)

type (
	CustomValidator struct {
		validator *validator.Validate
	}

	HTTPServer struct {
		cfg     *config.Config
		svc     *service.General
		media   *media.Store
		metrics *metrics.Metrics
		logger  *zap.SugaredLogger
	}
)

func NewHTTPServer(lc fx.Lifecycle, cfg *config.Config, svc *service.General, store *media.Store, m *metrics.Metrics, logger *zap.SugaredLogger) *HTTPServer {
	instance, e := newServer(cfg, svc, store, m, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				listen := cfg.Host + ":" + cfg.Port
				if err := e.Start(listen); err != nil && err != http.ErrServerClosed {
					logger.Fatalw("shutting down the server", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping HTTP server.")
			return e.Shutdown(ctx)
		},
	})

	return instance
}

func newServer(cfg *config.Config, svc *service.General, store *media.Store, m *metrics.Metrics, logger *zap.SugaredLogger) (*HTTPServer, *echo.Echo) {
	e := echo.New()
	e.HideBanner = true

	instance := HTTPServer{
		cfg:     cfg,
		svc:     svc,
		media:   store,
		metrics: m,
		logger:  logger,
	}

	api := e.Group("/api")
	api.POST("/tweets", instance.TweetCreate)
	api.GET("/tweets", instance.TweetList)
	api.DELETE("/tweets/:id", instance.TweetDelete)
	api.POST("/tweets/:id/likes", instance.LikeCreate)
	api.DELETE("/tweets/:id/likes", instance.LikeDelete)
	api.POST("/medias", instance.MediaUpload)
	api.POST("/users/:id/follow", instance.SubscribeCreate)
	api.DELETE("/users/:id/follow", instance.SubscribeDelete)
	api.GET("/users/me", instance.UserMe)
	api.GET("/users/:id", instance.UserByID)

	e.GET("/media/:filename", instance.MediaGet)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	e.Use(middleware.CORS())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(instance.MetricsMiddleware)

	e.Validator = &CustomValidator{validator: validator.New()}
	e.HTTPErrorHandler = instance.ErrorHandler

	return &instance, e
}

// TweetCreate handles POST /api/tweets. Input is validated before the
// credential is checked, mirroring the original endpoint ordering.
func (s *HTTPServer) TweetCreate(c echo.Context) error {
	req := models.TweetReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	user, err := s.authenticate(c)
	if err != nil {
		return s.unauthorized(c)
	}

	tweet, err := s.svc.TweetCreate(user, req.TweetData, req.TweetMediaIDs)
	if err != nil {
		if errors.Is(err, service.ErrMediaNotFound) {
			return s.errorJSON(c, http.StatusInternalServerError, "MediaNotFound", err.Error())
		}
		return err
	}

	s.metrics.TweetsPosted.WithLabelValues(c.Path()).Inc()
	return c.JSON(http.StatusCreated, models.TweetCreateResp{
		Result:  true,
		TweetID: tweet.ID,
	})
}

func (s *HTTPServer) TweetList(c echo.Context) error {
	tweets, err := s.svc.TweetList()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.TweetListResp{
		Result: true,
		Tweets: tweets,
	})
}

// TweetDelete checks its preconditions in order: the tweet must exist, the
// actor must authenticate, the actor must own the tweet.
func (s *HTTPServer) TweetDelete(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}

	tweet, err := s.svc.TweetByID(id)
	if err != nil {
		if errors.Is(err, service.ErrTweetNotFound) {
			return s.errorJSON(c, http.StatusNotFound, "NotFound", err.Error())
		}
		return err
	}

	user, err := s.authenticate(c)
	if err != nil {
		return s.unauthorized(c)
	}

	if err := s.svc.TweetDelete(user, tweet); err != nil {
		if errors.Is(err, service.ErrTweetNotOwned) {
			return s.errorJSON(c, http.StatusForbidden, "Forbidden", err.Error())
		}
		return err
	}

	return c.JSON(http.StatusOK, models.ResultResp{Result: true})
}

func (s *HTTPServer) LikeCreate(c echo.Context) error {
	tweetID, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}

	user, err := s.authenticate(c)
	if err != nil {
		return s.unauthorized(c)
	}

	if _, err := s.svc.LikeCreate(user, tweetID); err != nil {
		if errors.Is(err, service.ErrAlreadyLiked) {
			return s.errorJSON(c, http.StatusConflict, "Conflict", err.Error())
		}
		return err
	}

	s.metrics.LikesGiven.WithLabelValues(c.Path()).Inc()
	return c.JSON(http.StatusCreated, models.ResultResp{Result: true})
}

// LikeDelete takes the like id in the tweet position of the path; that is
// the shape the clients already use.
func (s *HTTPServer) LikeDelete(c echo.Context) error {
	likeID, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}

	like, err := s.svc.LikeByID(likeID)
	if err != nil {
		if errors.Is(err, service.ErrLikeNotFound) {
			return s.errorJSON(c, http.StatusNotFound, "NotFound", err.Error())
		}
		return err
	}

	user, err := s.authenticate(c)
	if err != nil {
		return s.unauthorized(c)
	}

	if err := s.svc.LikeDelete(user, like); err != nil {
		if errors.Is(err, service.ErrLikeNotOwned) {
			return s.errorJSON(c, http.StatusForbidden, "Forbidden", err.Error())
		}
		return err
	}

	return c.JSON(http.StatusOK, models.ResultResp{Result: true})
}

// MediaUpload accepts a multipart form and processes a single file: the
// first file part with a non-empty name. Additional files in the same
// request are ignored.
func (s *HTTPServer) MediaUpload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return s.errorJSON(c, http.StatusBadRequest, "BadRequest", "file is not selected")
	}

	var upload *multipart.FileHeader
	for _, files := range form.File {
		for _, fh := range files {
			if fh.Filename == "" {
				continue
			}
			upload = fh
			break
		}
		if upload != nil {
			break
		}
	}
	if upload == nil {
		return s.errorJSON(c, http.StatusBadRequest, "BadRequest", "file is not selected")
	}

	src, err := upload.Open()
	if err != nil {
		return errors.Wrap(err, "open uploaded file")
	}
	defer src.Close()

	model, err := s.svc.MediaUpload(upload.Filename, src)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, models.MediaCreateResp{
		Result:  true,
		MediaID: model.ID,
	})
}

func (s *HTTPServer) MediaGet(c echo.Context) error {
	name := c.Param("filename")
	if !s.media.Exists(name) {
		return s.errorJSON(c, http.StatusNotFound, "NotFound", fmt.Sprintf("file %s not found", name))
	}
	return c.File(s.media.Path(name))
}

func (s *HTTPServer) SubscribeCreate(c echo.Context) error {
	targetID, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}

	user, err := s.authenticate(c)
	if err != nil {
		return s.unauthorized(c)
	}

	if _, err := s.svc.SubscribeCreate(user, targetID); err != nil {
		switch {
		case errors.Is(err, service.ErrSelfSubscribe):
			return s.errorJSON(c, http.StatusBadRequest, "BadRequest", err.Error())
		case errors.Is(err, service.ErrUserNotFound):
			return s.errorJSON(c, http.StatusNotFound, "NotFound", "target user does not exist")
		case errors.Is(err, service.ErrAlreadySubscribed):
			return s.errorJSON(c, http.StatusConflict, "Conflict", err.Error())
		}
		return err
	}

	s.metrics.FollowRequests.WithLabelValues(c.Path()).Inc()
	return c.JSON(http.StatusCreated, models.ResultResp{Result: true})
}

func (s *HTTPServer) SubscribeDelete(c echo.Context) error {
	targetID, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}

	user, err := s.authenticate(c)
	if err != nil {
		return s.unauthorized(c)
	}

	if err := s.svc.SubscribeDelete(user, targetID); err != nil {
		if errors.Is(err, service.ErrSubscribeNotFound) {
			return s.errorJSON(c, http.StatusNotFound, "NotFound", err.Error())
		}
		return err
	}

	s.metrics.UnfollowRequests.WithLabelValues(c.Path()).Inc()
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) UserMe(c echo.Context) error {
	user, err := s.authenticate(c)
	if err != nil {
		return s.unauthorized(c)
	}
	return s.profileJSON(c, user)
}

func (s *HTTPServer) UserByID(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}

	user, err := s.svc.UserByID(id)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			return s.errorJSON(c, http.StatusNotFound, "NotFound", err.Error())
		}
		return err
	}
	return s.profileJSON(c, user)
}

func (s *HTTPServer) profileJSON(c echo.Context, user *db.User) error {
	profile, err := s.svc.UserProfile(user)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, models.UserProfileResp{
		Result: true,
		User:   *profile,
	})
}

func (s *HTTPServer) MetricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := next(c); err != nil {
			return err
		}
		if c.Response().Status < http.StatusBadRequest {
			s.metrics.SuccessfulRequests.WithLabelValues(c.Path()).Inc()
		} else {
			s.metrics.BadRequests.WithLabelValues(c.Path()).Inc()
		}
		return nil
	}
}

// ErrorHandler renders every uncaught failure as the fixed error envelope.
// Unexpected errors carry an internal classification label; the message
// text is gated by the EXPOSE_ERRORS flag.
func (s *HTTPServer) ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	errType := fmt.Sprintf("%T", errors.Cause(err))
	message := err.Error()

	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		errType = statusLabel(status)
		message = fmt.Sprintf("%v", he.Message)
	} else {
		s.logger.Errorw("request failed", "path", c.Path(), "error", err)
		if !s.cfg.ExposeErrors {
			message = "internal server error"
		}
	}

	s.metrics.BadRequests.WithLabelValues(c.Path()).Inc()
	if jsonErr := c.JSON(status, models.ErrorResp{
		Result:       false,
		ErrorType:    errType,
		ErrorMessage: message,
	}); jsonErr != nil {
		s.logger.Errorw("write error response", "error", jsonErr)
	}
}

////////

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func BindAndValidate(c echo.Context, v interface{}) error {
	var err error
	if err = c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err = c.Validate(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (s *HTTPServer) authenticate(c echo.Context) (*db.User, error) {
	key := c.Request().Header.Get(HeaderAPIKey)
	if key == "" {
		key = c.Request().Header.Get(HeaderAPIKeyAlt)
	}
	return s.svc.UserByAPIKey(key)
}

func (s *HTTPServer) unauthorized(c echo.Context) error {
	return s.errorJSON(c, http.StatusUnauthorized, "Unauthorized", service.ErrUserNotFound.Error())
}

func (s *HTTPServer) errorJSON(c echo.Context, status int, errType, message string) error {
	return c.JSON(status, models.ErrorResp{
		Result:       false,
		ErrorType:    errType,
		ErrorMessage: message,
	})
}

func GetParam(c echo.Context, name string) (string, error) {
	value := c.Param(name)
	if value == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid path param '%s'", name))
	}
	return value, nil
}

func GetAndParseParam(c echo.Context, name string) (uint64, error) {
	v, e := GetParam(c, name)
	if e != nil {
		return 0, e
	}
	vv, e := strconv.ParseUint(v, 10, 64)
	if e != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid path param '%s'", name))
	}
	return vv, nil
}

func statusLabel(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BadRequest"
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusNotFound:
		return "NotFound"
	case http.StatusConflict:
		return "Conflict"
	}
	return "InternalError"
}
