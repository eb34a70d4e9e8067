package main

import (
	"context"
	"log"

	"github.com/mcdafydd/mjpeg-video-server/internal/config"
	"github.com/mcdafydd/mjpeg-video-server/internal/logging"
	"github.com/mcdafydd/mjpeg-video-server/internal/server"
)

func main() {
	// 設定を読み込む（環境変数のみ）
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// サーバーを作成
	srv, err := server.New(cfg, logger)
	if err != nil {
		log.Fatalf("サーバーの作成に失敗しました: %v", err)
	}

	// サーバーを起動
	if err := srv.Start(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
