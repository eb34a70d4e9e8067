package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mcdafydd/mjpeg-video-server/internal/broker"
	"github.com/mcdafydd/mjpeg-video-server/internal/camera"
	"github.com/mcdafydd/mjpeg-video-server/internal/config"
	"github.com/mcdafydd/mjpeg-video-server/internal/eventbus"
	"github.com/mcdafydd/mjpeg-video-server/internal/metrics"
	"github.com/mcdafydd/mjpeg-video-server/internal/registration"
	"github.com/mcdafydd/mjpeg-video-server/internal/supervisor"
)

// Server はHTTPサーバーとカメラ群のライフサイクルを管理する構造体
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	engine     *gin.Engine
	httpServer *http.Server

	bus     *eventbus.Bus
	hub     *registration.Hub
	link    *broker.Link
	metrics *metrics.Metrics
	manager *camera.DefaultManager
}

// Option はServerの構築オプション
type Option func(*options)

type options struct {
	creator   camera.SupervisorCreator
	publisher camera.Publisher
	dirs      camera.DirMaker
}

// WithSupervisorCreator はSupervisorの作成方法を差し替える
func WithSupervisorCreator(creator camera.SupervisorCreator) Option {
	return func(o *options) { o.creator = creator }
}

// WithPublisher はブローカーリンクの代わりに使う送信先を指定する
func WithPublisher(publisher camera.Publisher) Option {
	return func(o *options) { o.publisher = publisher }
}

// WithDirMaker は録画ディレクトリの作成方法を差し替える
func WithDirMaker(dirs camera.DirMaker) Option {
	return func(o *options) { o.dirs = dirs }
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		config:  cfg,
		logger:  logger.Named("server"),
		metrics: metrics.New(),
	}
	s.bus = eventbus.New(logger.Named("eventbus"))
	s.hub = registration.NewHub(logger)

	publisher := o.publisher
	if publisher == nil && cfg.Broker.Enabled {
		s.link = broker.New(broker.Config{
			URI:            cfg.Broker.URI,
			ClientID:       cfg.Broker.ClientID,
			WillTopic:      cfg.Broker.WillTopic,
			WillPayload:    cfg.Broker.WillPayload,
			ConnectTimeout: cfg.Broker.ConnectTimeout,
			PublishTimeout: broker.DefaultConfig().PublishTimeout,
		}, logger, s.metrics)
		publisher = s.link
	}

	creator := o.creator
	if creator == nil {
		creator = camera.NewProcessSupervisorCreator(supervisor.Config{
			MaxRestarts:   cfg.Supervisor.MaxRestarts,
			RestartWindow: cfg.Supervisor.RestartWindow,
			Sleep:         cfg.Supervisor.Sleep,
			KillTimeout:   cfg.Supervisor.KillTimeout,
			Env:           cfg.Supervisor.Env,
			LockDir:       cfg.LockDir,
		}, logger)
	}

	manager, err := camera.NewDefaultManager(camera.ManagerOptions{
		Units:    unitSpecs(cfg),
		Mock:     cfg.UseMock,
		External: cfg.ExternalCam,
		Paths: camera.Paths{
			Binary:    cfg.Streamer.Binary,
			Niceness:  cfg.Streamer.Niceness,
			WebRoot:   cfg.Streamer.WebRoot,
			ImageRoot: cfg.Streamer.ImageRoot,
			CertPath:  cfg.TLS.CertPath,
			KeyPath:   cfg.TLS.KeyPath,
		},
		Creator:           creator,
		Dirs:              o.dirs,
		Bus:               s.bus,
		Emitter:           s.hub,
		Publisher:         publisher,
		RegistrationTopic: cfg.Broker.RegistrationTopic,
		Logger:            logger,
		Metrics:           s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("カメラマネージャーの作成に失敗: %w", err)
	}
	s.manager = manager

	s.engine = s.newEngine()
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// unitSpecs は設定のカメラ定義をユニット定義に変換する
func unitSpecs(cfg *config.Config) []camera.UnitSpec {
	specs := make([]camera.UnitSpec, 0, len(cfg.Camera.Devices))
	for _, d := range cfg.Camera.Devices {
		resolution, framerate, record := cfg.DeviceSettings(d)
		specs = append(specs, camera.UnitSpec{
			Serial:     d.Serial,
			DevicePath: d.Device,
			Port:       d.Port,
			Settings: camera.Settings{
				Resolution: resolution,
				Framerate:  framerate,
				Record:     record,
			},
		})
	}
	return specs
}

// newEngine はGinエンジンを作成してルートを設定する
func (s *Server) newEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.logger))

	handler := &CameraHandler{
		config:  s.config,
		manager: s.manager,
		bus:     s.bus,
		hub:     s.hub,
		link:    s.link,
	}

	// ヘルスチェック
	engine.GET("/health", handler.HealthCheck)

	// APIエンドポイント
	api := engine.Group("/api")
	api.GET("/status", handler.GetStatus)
	api.GET("/cameras", handler.GetCameras)
	api.GET("/cameras/:serial", handler.GetCamera)
	api.PUT("/cameras/settings", handler.UpdateSettings)
	api.POST("/cameras/:serial/restart", handler.RestartCamera)
	api.POST("/cameras/:serial/kill", handler.KillCamera)
	api.POST("/registration", handler.BroadcastRegistration)

	// 登録チャンネルとメトリクス
	engine.GET("/ws", gin.WrapH(s.hub))
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	return engine
}

// requestLogger はリクエストをzapで記録するミドルウェア
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("リクエストを処理しました",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Handler はHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Manager はカメラマネージャーを返す
func (s *Server) Manager() *camera.DefaultManager {
	return s.manager
}

// Start はブローカー接続・カメラ起動・HTTPサーバー起動を行い、停止要求まで待つ
func (s *Server) Start(ctx context.Context) error {
	if s.link != nil {
		s.link.Connect()
	}

	// 一部のカメラが起動できなくてもサーバーは動かし続ける
	if err := s.manager.Start(ctx); err != nil {
		s.logger.Error("カメラの起動に失敗しました", zap.Error(err))
	}

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", s.config.ServerAddress()))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", zap.String("signal", sig.String()))
	case err := <-shutdownCh:
		_ = s.stopComponents()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーとカメラ群をグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("サーバーのシャットダウンに失敗: %w", err))
	}
	if err := s.stopComponents(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// stopComponents はカメラ・登録チャンネル・ブローカーを順に停止する
func (s *Server) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.manager.Stop(ctx)
	s.bus.Wait()
	s.hub.Close()
	if s.link != nil {
		s.link.Close()
	}
	return err
}
