// Package main はmjpeg-video-serverコマンドの実装です
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcdafydd/mjpeg-video-server/internal/config"
	"github.com/mcdafydd/mjpeg-video-server/internal/logging"
	"github.com/mcdafydd/mjpeg-video-server/internal/server"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// flags はコマンドラインオプション
type flags struct {
	configPath string
	host       string
	port       int
	mock       bool
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	var f flags

	rootCmd := &cobra.Command{
		Use:           "mjpeg-video-server",
		Short:         "mjpg_streamer のプロセスを監視してストリームを登録するサーバー",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, f)
		},
	}

	rootCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "設定ファイル (YAML) のパス")
	rootCmd.Flags().StringVar(&f.host, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	rootCmd.Flags().IntVar(&f.port, "port", 0, "サーバーのポート (デフォルト: 8080)")
	rootCmd.Flags().BoolVar(&f.mock, "mock", false, "モックモードで起動する（TLSなし）")
	rootCmd.Flags().StringVar(&f.logLevel, "log-level", "", "ログレベル (debug / info / warn / error)")
	rootCmd.Flags().StringVar(&f.logFormat, "log-format", "", "ログ形式 (console / json)")

	return rootCmd
}

func run(ctx context.Context, cmd *cobra.Command, f flags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("mjpeg-video-server を起動します",
		zap.String("addr", cfg.ServerAddress()),
		zap.Int("cameras", len(cfg.Camera.Devices)),
		zap.Bool("mock", cfg.UseMock),
		zap.Bool("external", cfg.ExternalCam),
	)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("サーバーの起動に失敗しました: %w", err)
	}
	return nil
}

// loadConfig は設定を読み込み、コマンドラインオプションで上書きしてから検証する
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.LoadUnvalidated(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}

	// コマンドラインオプションで設定を上書き
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if cmd.Flags().Changed("mock") {
		cfg.UseMock = f.mock
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗しました: %w", err)
	}
	return cfg, nil
}
