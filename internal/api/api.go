package api

import (
	"net/http"
	"time"

	"novel-wash/internal/events"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

// Deps - зависимости API.
type Deps struct {
	Sessions    repository.SessionRepository
	Tasks       repository.TaskRepository
	Pauses      repository.PauseStore
	Idempotency repository.IdempotencyStore
	Enqueuer    queue.Enqueuer
	Bus         events.Bus
	Logger      *zap.Logger
}

// Options - настройки роутера.
type Options struct {
	AllowedOrigins []string
	// Metrics включает /metrics и метрики запросов gin
	Metrics bool
	// Middleware добавляется перед маршрутами (логирование запросов)
	Middleware []gin.HandlerFunc
}

// Handler обслуживает постановку задач пайплайна и чтение их состояния.
type Handler struct {
	sessions repository.SessionRepository
	tasks    repository.TaskRepository
	pauses   repository.PauseStore
	idem     repository.IdempotencyStore
	enqueuer queue.Enqueuer
	bus      events.Bus
	logger   *zap.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		sessions: d.Sessions,
		tasks:    d.Tasks,
		pauses:   d.Pauses,
		idem:     d.Idempotency,
		enqueuer: d.Enqueuer,
		bus:      d.Bus,
		logger:   d.Logger.Named("APIHandler"),
	}
}

// RegisterRoutes регистрирует маршруты API.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	sessions := r.Group("/sessions/:id")
	{
		sessions.GET("", h.getSession)
		sessions.GET("/tasks", h.listSessionTasks)
		sessions.POST("/index", h.submitIndex)
		sessions.POST("/plan", h.submitPlan)
		sessions.POST("/plan/confirm", h.confirmPlan)
		sessions.POST("/generate", h.submitGenerate)
		sessions.POST("/review", h.submitReview)
		sessions.POST("/branch", h.submitBranch)
		sessions.POST("/nodes/:nodeId/reroll", h.rerollNode)
		sessions.POST("/pause", h.pause)
		sessions.POST("/resume", h.resume)
	}

	tasks := r.Group("/tasks/:id")
	{
		tasks.GET("", h.getTask)
		tasks.DELETE("", h.cancelTask)
		tasks.GET("/events", h.streamEvents)
	}
}

// NewRouter собирает gin.Engine: recovery, CORS, health, метрики и маршруты API.
func NewRouter(h *Handler, opts Options) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = true
	for _, mw := range opts.Middleware {
		router.Use(mw)
	}
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowedOrigins) == 0 || (len(opts.AllowedOrigins) == 1 && opts.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = opts.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", IdempotencyHeader}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	if opts.Metrics {
		// до маршрутов: gin не применяет middleware к уже зарегистрированным путям.
		// Метка url - шаблон маршрута, иначе id сессий раздувают кардинальность
		p := ginprometheus.NewPrometheus("gin")
		p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			if full := c.FullPath(); full != "" {
				return full
			}
			return "unmatched"
		}
		p.Use(router)
	}

	h.RegisterRoutes(router)
	return router
}
