package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"diceserver/auth"        //JWTの発行と検証
	"diceserver/broadcast"   //Redis Pub/Subによるインスタンス間のイベント配信
	"diceserver/database"    //PostgreSQLとRedisの初期化
	"diceserver/game"        //ルームとゲームのルール
	"diceserver/handlers"    //WebSocketとHTTPのハンドラ
	"diceserver/lock"        //ルーム単位の分散ロック
	"diceserver/middlewares" //JWT認証ミドルウェア
	"diceserver/models"      //モデル定義
	"diceserver/session"     //インスタンス内の接続とチャンネルの対応表
	"diceserver/utils"       //ロガーの初期化とCronジョブ

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	flag.Parse()

	config, err := database.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := utils.InitLogger(config) // ロガーの初期化
	if err != nil {
		panic(err) // 失敗した場合はプログラム停止
	}
	defer logger.Sync() // ロガーのクリーンアップ

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQLとRedisを並行して初期化
	var db *gorm.DB
	var rdb *redis.Client
	var g errgroup.Group
	g.Go(func() error {
		var err error
		db, err = database.InitPostgreSQL(config, logger)
		return err
	})
	g.Go(func() error {
		var err error
		rdb, err = database.InitRedis(config, logger)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Fatal("データストアの初期化に失敗しました", zap.Error(err))
	}
	defer rdb.Close()

	if config.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			logger.Fatal("マイグレーションに失敗しました", zap.Error(err))
		}
	}

	store := database.NewStore(db, logger)

	// クーロンスケジューラのセットアップと呼び出し
	cleaner, err := utils.CronCleaner(store, config.GameRetention(), logger)
	if err != nil {
		logger.Fatal("Cronジョブの登録に失敗しました", zap.Error(err))
	}
	defer cleaner.Stop()

	registry := session.NewRegistry(logger)
	bus := broadcast.NewRedisBus(rdb, logger)
	sub, err := bus.Subscribe(ctx)
	if err != nil {
		logger.Fatal("Failed to subscribe to the bus", zap.Error(err))
	}
	defer sub.Close()
	go func() {
		if err := sub.Run(ctx, func(channel, event string, data json.RawMessage) {
			registry.Deliver(channel, event, data)
		}); err != nil {
			logger.Error("Bus subscription stopped", zap.Error(err))
		}
	}()

	service := game.NewService(store, lock.NewRedisLocker(rdb, config.LockTTL(), logger), bus, logger,
		game.WithLockWait(config.LockWait()),
		game.WithSubscriptions(registry),
	)

	pool, err := ants.NewPool(config.WorkerPoolSize)
	if err != nil {
		logger.Fatal("Failed to create worker pool", zap.Error(err))
	}
	defer pool.Release()

	authenticator := auth.NewAuthenticator(config.JWTSecret, config.TokenTTL())
	wsHandler := handlers.NewWebSocketHandler(service, registry, database.NewPresence(rdb, logger), pool,
		handlers.WebSocketOptions{
			AllowOrigins:      config.AllowOrigins,
			LeaveOnDisconnect: config.LeaveRoomOnDisconnect,
		}, logger)

	router := newRouter(config, db, rdb, authenticator, wsHandler, logger)
	srv := &http.Server{Addr: config.ListenAddr, Handler: router}

	go func() {
		logger.Info("Server started", zap.String("addr", config.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to run HTTP server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func newRouter(config models.Config, db *gorm.DB, rdb *redis.Client, authenticator *auth.Authenticator,
	wsHandler *handlers.WebSocketHandler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	//リクエストロガーを起動
	router.Use(gin.Recovery(), utils.RequestLogger(logger))

	//CORS（Cross-Origin Resource Sharing）ポリシーを設定
	corsConfig := cors.Config{
		AllowOrigins:     config.AllowOrigins,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(config.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	router.Use(cors.New(corsConfig))

	router.POST("/token", handlers.IssueToken(db, authenticator, logger))
	router.GET("/ws", middlewares.AuthMiddleware(authenticator, logger), wsHandler.ServeWS)
	router.GET("/healthz", handlers.Healthz(map[string]handlers.HealthCheck{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		},
	}, logger))
	return router
}
