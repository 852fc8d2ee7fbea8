// Package server exposes the bot over HTTP: the Telegram webhook, a health
// probe and the Prometheus endpoint.
package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stellarlinkco/intentclaw/internal/config"
	"github.com/stellarlinkco/intentclaw/internal/logging"
	"github.com/stellarlinkco/intentclaw/internal/metrics"
)

// SecretHeader carries the webhook secret registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// UpdateHandler consumes decoded webhook updates.
type UpdateHandler interface {
	HandleUpdate(update tgbotapi.Update)
}

type Options struct {
	WebhookPath   string
	WebhookSecret string
	RateLimit     float64 // requests per second per client IP; 0 disables
	RateBurst     int
}

// OptionsFrom maps gateway configuration to server options.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		WebhookPath:   cfg.Gateway.WebhookPath,
		WebhookSecret: cfg.Channels.Telegram.WebhookSecret,
		RateLimit:     cfg.Gateway.RateLimit,
		RateBurst:     cfg.Gateway.RateBurst,
	}
}

// New builds the echo instance. The webhook route is only registered when
// updates is non-nil.
func New(opts Options, m *metrics.Metrics, updates UpdateHandler, logger *zap.Logger) *echo.Echo {
	logger = logging.OrNop(logger).Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(requestLogger(logger))

	e.GET("/healthz", health)
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	if updates != nil {
		path := opts.WebhookPath
		if path == "" {
			path = config.DefaultWebhookPath
		}
		wh := &webhook{secret: opts.WebhookSecret, updates: updates, logger: logger}
		var mw []echo.MiddlewareFunc
		if opts.RateLimit > 0 {
			mw = append(mw, rateLimiter(opts.RateLimit, opts.RateBurst))
		}
		e.POST(path, wh.receive, mw...)
	}
	return e
}

// NewHTTPServer wraps handler in a server with conservative timeouts.
func NewHTTPServer(host string, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

type webhook struct {
	secret  string
	updates UpdateHandler
	logger  *zap.Logger
}

// receive acknowledges the update once it is queued; processing happens on
// the gateway workers, so Telegram never waits on the LLM.
func (w *webhook) receive(c echo.Context) error {
	if w.secret != "" {
		got := c.Request().Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
			w.logger.Warn("webhook secret mismatch", zap.String("remote_ip", c.RealIP()))
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid secret token")
		}
	}

	var update tgbotapi.Update
	if err := c.Bind(&update); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid update payload")
	}
	w.updates.HandleUpdate(update)
	return c.NoContent(http.StatusOK)
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.String("remote_ip", v.RemoteIP),
				zap.String("request_id", v.RequestID),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			if v.Status >= http.StatusInternalServerError {
				logger.Error("request completed", fields...)
				return nil
			}
			logger.Debug("request completed", fields...)
			return nil
		},
	})
}

func rateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	if burst <= 0 {
		burst = int(perSecond) + 1
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(perSecond),
		Burst:     burst,
		ExpiresIn: time.Minute,
	})
	return middleware.RateLimiter(store)
}
