package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Camera     CameraConfig     `yaml:"camera"`
	Streamer   StreamerConfig   `yaml:"streamer"`
	TLS        TLSConfig        `yaml:"tls"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Broker     BrokerConfig     `yaml:"broker"`
	Log        LogConfig        `yaml:"log"`

	UseMock     bool   `yaml:"use_mock"` // モックモード（ローカル開発用）
	ExternalCam bool   `yaml:"-"`        // 外部カメラモード（環境変数 EXTERNAL_CAM のみ）
	LockDir     string `yaml:"lock_dir"` // プロセスロックの置き場所
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	// 管理対象のカメラ
	Devices []CameraDevice `yaml:"devices"`

	// デフォルト設定
	DefaultResolution string `yaml:"default_resolution"` // 解像度 (例: 1280x720)
	DefaultFramerate  int    `yaml:"default_framerate"`  // フレームレート (fps)
	DefaultRecord     bool   `yaml:"default_record"`     // 録画の有無
}

// CameraDevice は個別カメラの設定
type CameraDevice struct {
	Serial string `yaml:"serial"` // シリアル番号（"pilot" は特別扱い）
	Device string `yaml:"device"` // デバイスパス (例: /dev/video0) または外部カメラのURL
	Port   int    `yaml:"port"`   // ストリーミング用ポート

	// カメラ固有の設定（デフォルト値より優先）
	Resolution string `yaml:"resolution"`
	Framerate  int    `yaml:"framerate"`
	Record     *bool  `yaml:"record"`
}

// StreamerConfig は mjpg_streamer の起動に関する設定
type StreamerConfig struct {
	Binary    string `yaml:"binary"`     // 実行ファイル
	Niceness  int    `yaml:"niceness"`   // nice に渡す優先度
	WebRoot   string `yaml:"web_root"`   // output_http.so の共有Webルート
	ImageRoot string `yaml:"image_root"` // 録画ディレクトリの親
}

// TLSConfig はローカルUSBカメラ配信用の証明書設定
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// SupervisorConfig はプロセス監視の方針
type SupervisorConfig struct {
	MaxRestarts   int               `yaml:"max_restarts"`   // 期間内に許容する再起動回数
	RestartWindow time.Duration     `yaml:"restart_window"` // 再起動回数を数える期間
	Sleep         time.Duration     `yaml:"sleep"`          // 再起動までの待機時間
	KillTimeout   time.Duration     `yaml:"kill_timeout"`   // SIGKILL までの猶予
	Env           map[string]string `yaml:"env"`            // 環境変数の上書き
}

// BrokerConfig はメタデータブローカーの設定
type BrokerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URI               string        `yaml:"uri"`
	ClientID          string        `yaml:"client_id"`
	WillTopic         string        `yaml:"will_topic"`
	WillPayload       string        `yaml:"will_payload"`
	RegistrationTopic string        `yaml:"registration_topic"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Format string `yaml:"format"` // console / json（空なら自動）
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // WebSocket用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Devices:           []CameraDevice{},
			DefaultResolution: "1280x720",
			DefaultFramerate:  30,
		},
		Streamer: StreamerConfig{
			Binary:    "mjpg_streamer",
			Niceness:  19,
			WebRoot:   "/opt/openrov/www",
			ImageRoot: "/opt/openrov/images",
		},
		Supervisor: SupervisorConfig{
			MaxRestarts:   5,
			RestartWindow: 60 * time.Second,
			Sleep:         5 * time.Second,
			KillTimeout:   5 * time.Second,
			Env: map[string]string{
				"LD_LIBRARY_PATH": "/usr/local/lib",
				"PATH":            "/bin:/sbin:/usr/bin:/usr/sbin:/usr/local/bin:/usr/local/sbin",
			},
		},
		Broker: BrokerConfig{
			Enabled:           true,
			URI:               "ws://127.0.0.1:3000",
			ClientID:          "mjpeg-video-server",
			WillTopic:         "status/openrov",
			WillPayload:       "MJPEG-VIDEO-SERVER: OpenROV MQTT client disconnected!",
			RegistrationTopic: "toCamera/cameraRegistration",
			ConnectTimeout:    10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		LockDir: filepath.Join(os.TempDir(), "mjpeg-video-server"),
	}
}

// Load は設定を読み込む
// デフォルト値 → 設定ファイル（path が空なら省略）→ 環境変数 の順に上書きする
func Load(path string) (*Config, error) {
	cfg, err := LoadUnvalidated(path)
	if err != nil {
		return nil, err
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// LoadUnvalidated は Load と同じ順で設定を組み立てるが検証は行わない
// 呼び出し側で上書きしてから Validate する場合に使う
func LoadUnvalidated(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() error {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.TLS.CertPath = getEnvOrDefault("CERT_PATH", c.TLS.CertPath)
	c.TLS.KeyPath = getEnvOrDefault("KEY_PATH", c.TLS.KeyPath)
	c.Broker.URI = getEnvOrDefault("MQTT_URI", c.Broker.URI)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)

	if value := os.Getenv("USE_MOCK"); value != "" {
		useMock, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("USE_MOCK の値が不正: %q", value)
		}
		c.UseMock = useMock
	}

	// 値の内容に関わらず、設定されていれば外部カメラモード
	c.ExternalCam = os.Getenv("EXTERNAL_CAM") != ""

	return nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if strings.TrimSpace(c.Streamer.Binary) == "" {
		return errors.New("streamer.binary が設定されていません")
	}
	if c.Supervisor.Sleep < 0 {
		return fmt.Errorf("無効な再起動待機時間: %s", c.Supervisor.Sleep)
	}

	serials := make(map[string]bool)
	ports := make(map[int]bool)
	for i, d := range c.Camera.Devices {
		if d.Serial == "" {
			return fmt.Errorf("camera.devices[%d]: シリアル番号が設定されていません", i)
		}
		if d.Device == "" {
			return fmt.Errorf("カメラ %s: デバイスパスが設定されていません", d.Serial)
		}
		if d.Port < 1 || d.Port > 65535 {
			return fmt.Errorf("カメラ %s: 無効なポート番号: %d", d.Serial, d.Port)
		}
		if serials[d.Serial] {
			return fmt.Errorf("シリアル番号が重複しています: %s", d.Serial)
		}
		if ports[d.Port] {
			return fmt.Errorf("ポート番号が重複しています: %d", d.Port)
		}
		serials[d.Serial] = true
		ports[d.Port] = true
	}

	// ローカルUSBカメラはTLSで配信する
	if len(c.Camera.Devices) > 0 && !c.UseMock && !c.ExternalCam {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			return errors.New("TLS証明書と秘密鍵のパスが必要です (tls.cert_path / tls.key_path)")
		}
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DeviceSettings はカメラ固有の設定をデフォルト値で補った結果を返す
func (c *Config) DeviceSettings(d CameraDevice) (resolution string, framerate int, record bool) {
	resolution = c.Camera.DefaultResolution
	if d.Resolution != "" {
		resolution = d.Resolution
	}
	framerate = c.Camera.DefaultFramerate
	if d.Framerate > 0 {
		framerate = d.Framerate
	}
	record = c.Camera.DefaultRecord
	if d.Record != nil {
		record = *d.Record
	}
	return resolution, framerate, record
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
