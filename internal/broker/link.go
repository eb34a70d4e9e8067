// Package broker はメタデータブローカー（MQTT）への常時接続リンクを提供する
//
// 接続状態のフラグはリンク自身の接続・再接続・切断・クローズ通知でのみ更新され、
// 利用側は Connected で読み取るだけとなる。エラーはログに記録するだけで
// 接続状態には影響しない。
package broker

import (
	"errors"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mcdafydd/mjpeg-video-server/internal/metrics"
)

// ErrNotConnected はブローカーに接続していないことを表す
var ErrNotConnected = errors.New("ブローカーに接続していません")

// Config はブローカーリンクの設定
type Config struct {
	URI            string        // 接続先（例: ws://127.0.0.1:3000）
	ClientID       string        // MQTTクライアントID
	WillTopic      string        // 異常切断時に通知されるトピック
	WillPayload    string        // 異常切断時に通知されるメッセージ
	ConnectTimeout time.Duration // 1回の接続試行のタイムアウト
	PublishTimeout time.Duration // 送信完了を待つ時間（ログ用）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		URI:            "ws://127.0.0.1:3000",
		ClientID:       "mjpeg-video-server",
		WillTopic:      "status/openrov",
		WillPayload:    "MJPEG-VIDEO-SERVER: OpenROV MQTT client disconnected!",
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// Link はブローカーへの接続と接続状態を保持する
type Link struct {
	cfg       Config
	client    mqtt.Client
	connected atomic.Bool
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// New はMQTTクライアントを構成したLinkを作成する。接続は Connect で開始する
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Link {
	l := newLink(cfg, nil, logger, m)
	l.client = mqtt.NewClient(l.clientOptions())
	return l
}

func newLink(cfg Config, client mqtt.Client, logger *zap.Logger, m *metrics.Metrics) *Link {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Link{
		cfg:     cfg,
		client:  client,
		logger:  logger.Named("broker").With(zap.String("uri", cfg.URI)),
		metrics: m,
	}
}

// clientOptions はMQTT 3.1.1・自動再接続・ラストウィル付きのオプションを返す
func (l *Link) clientOptions() *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(l.cfg.URI).
		SetClientID(l.cfg.ClientID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetResumeSubs(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(l.cfg.ConnectTimeout).
		SetWill(l.cfg.WillTopic, l.cfg.WillPayload, 0, false).
		SetOnConnectHandler(func(mqtt.Client) { l.handleConnect() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { l.handleConnectionLost(err) }).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) { l.handleReconnecting() })
}

// Connect は接続を開始する。接続完了を待たずに戻り、再試行はクライアントに任せる
func (l *Link) Connect() {
	token := l.client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			l.logger.Error("MQTTエラー", zap.Error(err))
		}
	}()
}

// Connected は現在ブローカーに接続しているかを返す
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// Publish はQoS 0でメッセージを送信する。完了は待たない
func (l *Link) Publish(topic, message string) error {
	if !l.Connected() {
		return ErrNotConnected
	}

	token := l.client.Publish(topic, 0, false, message)
	go func() {
		if !token.WaitTimeout(l.cfg.PublishTimeout) {
			l.logger.Warn("送信完了を確認できませんでした", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			l.logger.Error("MQTTエラー", zap.String("topic", topic), zap.Error(err))
		}
	}()
	return nil
}

// Close は接続を閉じる
func (l *Link) Close() {
	if l.client != nil {
		l.client.Disconnect(250)
	}
	l.handleClose()
}

// handleConnect は接続確立（再接続を含む）の通知
func (l *Link) handleConnect() {
	l.setConnected(true)
	l.logger.Info("MJPEG-VIDEO-SERVER: MQTTブローカーに接続しました")
}

// handleReconnecting は再接続試行の開始通知。接続状態は変えない
func (l *Link) handleReconnecting() {
	l.logger.Info("MJPEG-VIDEO-SERVER: MQTTブローカーへ再接続しています")
}

// handleConnectionLost は接続断（オフライン）の通知
func (l *Link) handleConnectionLost(err error) {
	l.setConnected(false)
	l.logger.Warn("MJPEG-VIDEO-SERVER: MQTTブローカーとの接続がオフラインになりました", zap.Error(err))
}

// handleClose は接続クローズの通知
func (l *Link) handleClose() {
	l.setConnected(false)
	l.logger.Info("MJPEG-VIDEO-SERVER: MQTTブローカーとの接続を閉じました")
}

func (l *Link) setConnected(connected bool) {
	l.connected.Store(connected)
	l.metrics.SetBrokerConnected(connected)
}
