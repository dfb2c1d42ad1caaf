package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "collaborative-canvas/internal/handler/http"
	wsHandler "collaborative-canvas/internal/handler/websocket"
	"collaborative-canvas/internal/hub"
	gormpersistence "collaborative-canvas/internal/infra/persistence/gorm"
	"collaborative-canvas/internal/infra/setup"
	redisstate "collaborative-canvas/internal/infra/state/redis"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/middleware"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/service"
	"collaborative-canvas/internal/session"
	"collaborative-canvas/internal/store/memory"
	"collaborative-canvas/internal/tasks"
	"collaborative-canvas/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	Hub         *hub.Hub
	HttpServer  *http.Server
	Monitor     *service.ActivityMonitor
	Reaper      *service.Reaper
	AsynqServer *worker.WorkerServer

	serverStore    session.Conn
	sweeper        *redisstate.SessionSweeper
	redisClientOpt asynq.RedisClientOpt
	scheduler      *asynq.Scheduler

	bgCancel context.CancelFunc
	bgDone   sync.WaitGroup
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := NewLogger(cfg)
	log.Info("Configuration loaded successfully")

	app := &App{Config: cfg, Log: log}

	// 3. 初始化基础设施
	log.Info("Initializing infrastructure...")
	var archive repository.RoomArchiveRepository
	if cfg.DBHost != "" {
		db, err := setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			return nil, fmt.Errorf("failed to init DB: %w", err)
		}
		if err := setup.MigrateDB(db); err != nil {
			return nil, fmt.Errorf("failed to migrate DB: %w", err)
		}
		app.DB = db
		archive = gormpersistence.NewGormRoomArchiveRepository(db)
		log.Info("Room archive enabled")
	} else {
		log.Info("DB_HOST not set, room archive disabled")
	}

	connect, err := app.openStores()
	if err != nil {
		return nil, err
	}
	log.WithField("backend", cfg.StoreBackend).Info("Shared store initialized")

	// 4. 初始化 Services
	log.Info("Initializing services...")
	authService, err := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiryHours)
	if err != nil {
		return nil, fmt.Errorf("failed to create AuthService: %w", err)
	}
	roomService := service.NewRoomService(app.serverStore, archive)
	gate := service.NewAccessGate(roomService)
	app.Monitor = service.NewActivityMonitor(app.serverStore)
	if err := app.Monitor.Start(); err != nil {
		return nil, fmt.Errorf("failed to start activity monitor: %w", err)
	}
	app.Reaper = service.NewReaper(app.serverStore, archive, service.ReaperConfig{
		Interval:        cfg.ReapInterval,
		InactiveTimeout: cfg.InactiveTimeout,
	})
	log.Info("Services initialized")

	// 5. 初始化 Hub
	app.Hub = hub.NewHub()

	// 6. 初始化 Worker Server
	if cfg.ReaperMode == ReaperAsynq {
		app.redisClientOpt = asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}
		app.AsynqServer = worker.NewWorkerServer(app.redisClientOpt, app.Reaper, app.sweeper, log)
		log.Info("Worker server initialized")
	}

	// 7. 初始化 Handlers 和路由
	log.Info("Initializing handlers...")
	authHandler := httpHandler.NewAuthHandler(authService)
	roomHandler := httpHandler.NewRoomHandler(roomService, gate, app.Monitor)
	websocketHandler := wsHandler.NewWebSocketHandler(app.Hub, gate, roomService, connect, wsHandler.Options{
		AllowedOrigin:   cfg.CORSAllowedOrigin,
		RefreshInterval: cfg.PresenceRefresh,
	})

	var limiter repository.RateLimitRepository
	if app.RedisClient != nil {
		limiter = redisstate.NewRateLimiter(app.RedisClient, cfg.KeyPrefix)
	}
	router := NewRouter(cfg, log, Handlers{
		Auth:      authHandler,
		Room:      roomHandler,
		WebSocket: websocketHandler,
		Limiter:   limiter,
	})
	log.Info("Router setup complete")

	app.HttpServer = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Application assembled successfully")
	return app, nil
}

// NewLogger 按配置创建 logrus Logger，并作为全局 logger 使用
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.StandardLogger()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	log.Infof("Logger initialized (Level: %s, Format: %T)", level.String(), log.Formatter)
	return log
}

// openStores 打开服务端使用的存储实例，并返回为每个 WebSocket 会话打开独立连接的函数
func (a *App) openStores() (wsHandler.Connector, error) {
	cfg := a.Config
	if cfg.StoreBackend == BackendMemory {
		tree := memory.NewTree()
		a.serverStore = tree.Connect("server")
		return func(sessionID string) (session.Conn, error) {
			return tree.Connect(sessionID), nil
		}, nil
	}

	rdb, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	a.RedisClient = rdb
	server := redisstate.New(rdb, redisstate.Options{KeyPrefix: cfg.KeyPrefix, SessionTTL: cfg.SessionTTL})
	a.serverStore = server
	a.sweeper = redisstate.NewSessionSweeper(server)
	return func(sessionID string) (session.Conn, error) {
		return redisstate.New(rdb, redisstate.Options{
			KeyPrefix:  cfg.KeyPrefix,
			SessionID:  sessionID,
			SessionTTL: cfg.SessionTTL,
		}), nil
	}, nil
}

// Handlers 汇总路由需要的处理器
type Handlers struct {
	Auth      *httpHandler.AuthHandler
	Room      *httpHandler.RoomHandler
	WebSocket *wsHandler.WebSocketHandler
	// Limiter 为 nil 时不启用限流
	Limiter repository.RateLimitRepository
}

// NewRouter 创建 Gin Engine 并注册所有路由
func NewRouter(cfg *Config, log *logrus.Logger, h Handlers) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(CORSMiddleware(cfg.CORSAllowedOrigin))

	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	if h.Limiter != nil {
		api.Use(middleware.RateLimit(h.Limiter, cfg.RateLimitMax, cfg.RateLimitWindow))
	}
	api.POST("/auth/anonymous", h.Auth.SignInAnonymous)
	roomRoutes := api.Group("/rooms").Use(middleware.Auth(cfg.JWTSecret))
	{
		roomRoutes.GET("", h.Room.ListRooms)
		roomRoutes.POST("", h.Room.CreateRoom)
		roomRoutes.POST("/:roomId/join", h.Room.JoinRoom)
	}
	if h.WebSocket != nil {
		wsRoutes := router.Group("/ws").Use(middleware.Auth(cfg.JWTSecret))
		wsRoutes.GET("/room/:roomId", h.WebSocket.HandleConnection)
	}
	return router
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	go a.Hub.Run()
	a.Log.Info("Hub routine started")

	ctx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel

	if a.Config.ReaperMode == ReaperAsynq {
		go a.AsynqServer.Start()
		a.Log.Info("Asynq worker server routine started")
		a.registerPeriodicTasks()
	} else {
		a.runBackground(func() { a.Reaper.Run(ctx) })
		if a.sweeper != nil {
			a.runBackground(func() { a.sweeper.Run(ctx, a.Config.SessionTTL) })
		}
		a.Log.Info("Local reaper started")
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

func (a *App) runBackground(fn func()) {
	a.bgDone.Add(1)
	go func() {
		defer a.bgDone.Done()
		fn()
	}()
}

// registerPeriodicTasks 向 asynq scheduler 注册回收和会话清理任务
func (a *App) registerPeriodicTasks() {
	a.scheduler = asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})

	periodic := []struct {
		task     *asynq.Task
		interval time.Duration
	}{
		{tasks.NewRoomReapTask(), a.Config.ReapInterval},
		{tasks.NewSessionSweepTask(), a.Config.SessionTTL},
	}
	for _, p := range periodic {
		schedule := "@every " + p.interval.String()
		// 任务过期后不再执行，避免 worker 积压时重复回收
		entryID, err := a.scheduler.Register(schedule, p.task, asynq.Queue(tasks.QueueDefault), asynq.MaxRetry(0), asynq.Timeout(p.interval))
		if err != nil {
			a.Log.Errorf("Could not register periodic task %s: %v", p.task.Type(), err)
			continue
		}
		a.Log.Infof("Periodic task %s registered with schedule '%s' (EntryID: %s)", p.task.Type(), schedule, entryID)
	}

	go func() {
		a.Log.Info("Asynq scheduler starting...")
		if err := a.scheduler.Run(); err != nil {
			a.Log.Errorf("Asynq scheduler Run() failed: %v", err)
		}
	}()
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 停止接受新连接
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 关闭所有会话，会话关闭时会删除各自的在线条目
	if a.Hub != nil {
		a.Hub.Shutdown()
	}

	// 3. 停止后台任务
	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}
	if a.bgCancel != nil {
		a.bgCancel()
		a.bgDone.Wait()
	}
	if a.Monitor != nil {
		a.Monitor.Stop()
	}

	// 4. 关闭存储和连接
	if a.serverStore != nil {
		if err := a.serverStore.Close(); err != nil {
			a.Log.Errorf("Error closing shared store: %v", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		} else {
			a.Log.Info("Redis connection closed.")
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.Errorf("Error closing database connection: %v", err)
			}
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志和 HTTP 指标
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(latency.Seconds())

		// 查询参数中可能带有 token 和房间密码，不写入日志
		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
		})

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			entry.Error(errorMessage)
		} else if statusCode >= 500 {
			entry.Error("Server error")
		} else if statusCode >= 400 {
			entry.Warn("Client error")
		} else {
			entry.Info("Request handled")
		}
	}
}

// CORSMiddleware 设置跨域响应头，预检请求直接返回 204
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
