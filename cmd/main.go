package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TonkServer/config"
	"TonkServer/internal/auth"
	"TonkServer/internal/game/dealer"
	"TonkServer/internal/game/engine"
	"TonkServer/internal/game/manager"
	"TonkServer/internal/game/table"
	"TonkServer/internal/matchmaker"
	"TonkServer/internal/middleware"
	"TonkServer/internal/notify"
	"TonkServer/internal/storage"
	"TonkServer/internal/utils"
	"TonkServer/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func main() {
	path := "config/config.yaml"
	if p := os.Getenv("TONK_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		utils.Log.Fatal("load config failed", "err", err)
	}
	utils.Init(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//-------------------------------------------------------
	// 1. 初始化存储
	//-------------------------------------------------------
	var (
		repo storage.Repository
		rdb  *redis.Client
	)
	switch cfg.Storage.Driver {
	case "redis":
		rdb, err = storage.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			utils.Log.Fatal("redis init failed", "err", err)
		}
		defer rdb.Close()
		repo = storage.NewRedisRepo(rdb)
	case "postgres":
		db, err := storage.OpenPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			utils.Log.Fatal("postgres init failed", "err", err)
		}
		defer db.Close()
		pg := storage.NewPostgresRepo(db)
		if err := pg.Migrate(ctx); err != nil {
			utils.Log.Fatal("postgres migrate failed", "err", err)
		}
		repo = pg
	default:
		repo = storage.NewMemoryRepo()
	}
	utils.Log.Info("storage ready", "driver", cfg.Storage.Driver)

	//-------------------------------------------------------
	// 2. 初始化 Hub（必须最先启动）
	//-------------------------------------------------------
	hub := websocket.NewHub()
	go hub.Run()

	notifier := notify.Fanout{hub}
	if cfg.NATS.Enabled {
		nc, err := notify.Connect(cfg.NATS.URL, "tonk-server")
		if err != nil {
			utils.Log.Fatal("nats connect failed", "url", cfg.NATS.URL, "err", err)
		}
		defer nc.Drain()
		if _, err := notify.ReplyPing(nc); err != nil {
			utils.Log.Warn("nats ping responder failed", "err", err)
		}
		notifier = append(notifier, notify.NewNATSPublisher(nc))
		utils.Log.Info("nats connected", "url", nc.ConnectedUrl())
	}

	//-------------------------------------------------------
	// 3. 初始化 GameManager
	//-------------------------------------------------------
	seed := cfg.Game.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rules := engine.NewService(dealer.NewDealer(seed))
	gameMgr := manager.NewGameManager(repo, rules, notifier, hub)
	gameMgr.SetDefaults(cfg.Game.MaxPlayers, table.Settings{AllowUnderCardAnyTurn: cfg.Game.AllowUnderCardAnyTurn})
	hub.OnIncoming = gameMgr.HandlePlayerMessage
	go gameMgr.RunJanitor(ctx, time.Minute, 30*time.Minute)

	//-------------------------------------------------------
	// 4. 初始化匹配系统 Matchmaker
	//-------------------------------------------------------
	var queue matchmaker.Repo
	if rdb != nil {
		queue = matchmaker.NewRedisRepo(rdb)
	} else {
		queue = matchmaker.NewMemoryRepo()
	}
	svc := matchmaker.NewService(queue, cfg.Match.PlayerTTL, hub, repo)
	// 成桌回调：由 GameManager 开局
	svc.OnRoomReady = gameMgr.StartMatched

	//-------------------------------------------------------
	// 5. 初始化 Gin + CORS
	//-------------------------------------------------------
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	secret := []byte(cfg.JWT.Secret)

	authGroup := r.Group("/auth")
	{
		ah := auth.NewHandler(secret)
		authGroup.GET("/nonce", ah.GetNonce)
		authGroup.POST("/nonce", ah.PostNonce)
		authGroup.POST("/login", ah.Login)
	}

	// 游戏 API：有 token 时以 token 地址为准
	api := r.Group("/api", middleware.OptionalJwtAuth(secret))
	manager.NewHandler(gameMgr).RegisterRoutes(api)

	//-------------------------------------------------------
	// 6. WebSocket 与匹配入口
	//-------------------------------------------------------
	authed := r.Group("/", middleware.JwtAuthMiddleware(secret))
	{
		authed.GET("/ws", websocket.ServeWS(hub))

		mh := matchmaker.NewHandler(svc)
		authed.POST("/match/join", mh.Join)
		authed.POST("/match/cancel", mh.Cancel)
	}

	//-------------------------------------------------------
	// 7. 启动服务器
	//-------------------------------------------------------
	srv := &http.Server{Addr: cfg.Server.Port, Handler: r}
	go func() {
		utils.Log.Info("server running", "addr", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Log.Fatal("server failed", "err", err)
		}
	}()

	<-ctx.Done()
	utils.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Log.Error("server shutdown failed", "err", err)
	}
	gameMgr.Close()
	hub.Close()
}
