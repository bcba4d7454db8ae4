// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Uploads      UploadService
	Store        StoreProbe
	Log          *zap.SugaredLogger
	Version      string
	StoreBackend string
}

// Handlers holds all handler instances
type Handlers struct {
	Health HealthHandler
	Upload UploadHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health: NewHealthHandler(deps.Version, deps.StoreBackend, deps.Store, deps.Log),
		Upload: NewUploadHandler(deps.Uploads, deps.Log),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/health", handlers.Health.HandleHealth)

	// Resumable upload protocol
	uploadGroup := e.Group("/uploads")
	uploadGroup.POST("/init", handlers.Upload.HandleInit)
	uploadGroup.POST("/:uploadId/chunk", handlers.Upload.HandleChunk)
	uploadGroup.POST("/:uploadId/finalize", handlers.Upload.HandleFinalize)
	uploadGroup.GET("/:uploadId", handlers.Upload.HandleStatus)
}

// MiddlewareOptions toggles the optional middleware
type MiddlewareOptions struct {
	RequestLogging   bool
	ShowErrorDetails bool
	EnableCORS       bool
	// AllowOrigins defaults to "*" when CORS is enabled and the list is empty
	AllowOrigins []string
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, log *zap.SugaredLogger, opts MiddlewareOptions) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	// Use custom error handler
	e.HTTPErrorHandler = NewErrorHandler(log, opts.ShowErrorDetails)

	// Panics are logged and answered with 500; the server keeps serving
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Errorw("panic recovered", "method", c.Request().Method, "uri", c.Request().RequestURI,
				"ERROR", err, "stack", string(stack))
			return err
		},
	}))

	if opts.EnableCORS {
		origins := opts.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowHeaders: []string{echo.HeaderContentType, HeaderChunkIndex, HeaderChunkSize},
		}))
	}

	if opts.RequestLogging {
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod:   true,
			LogURI:      true,
			LogStatus:   true,
			LogLatency:  true,
			LogError:    true,
			HandleError: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				fields := []interface{}{
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency", v.Latency.Round(time.Microsecond),
				}
				if v.Error != nil {
					log.Warnw("request", append(fields, "ERROR", v.Error)...)
					return nil
				}
				log.Infow("request", fields...)
				return nil
			},
		}))
	}
}

// NewServer builds an Echo instance with middleware and routes wired
func NewServer(deps *Dependencies, opts MiddlewareOptions) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	SetupMiddleware(e, deps.Log, opts)
	RegisterRoutes(e, NewHandlers(deps))
	return e
}
