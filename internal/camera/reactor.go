package camera

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mcdafydd/mjpeg-video-server/internal/eventbus"
)

// subscribe はリスナー表を構築して全リスナーを有効化する
func (u *Unit) subscribe(bus *eventbus.Bus) {
	u.listeners = map[string]*eventbus.Listener{
		listenerRegistration: bus.Subscribe(TopicBroadcastRegistration, u.onBroadcastRegistration),
		listenerSettings:     bus.Subscribe(TopicUpdateSettings, u.onUpdateSettings),
	}

	for _, l := range u.listeners {
		l.Enable()
	}
}

// onUpdateSettings は設定を丸ごと置き換えて再起動する
// 再起動の失敗はログに記録するだけで、後続の設定変更は引き続き処理する
func (u *Unit) onUpdateSettings(ctx context.Context, payload any) {
	if !u.Alive() {
		return
	}

	var settings Settings
	switch p := payload.(type) {
	case Settings:
		settings = p
	case *Settings:
		if p == nil {
			u.logger.Warn("空の設定変更を無視しました")
			return
		}
		settings = *p
	default:
		u.logger.Warn("不明な設定ペイロードを無視しました", zap.String("type", fmt.Sprintf("%T", payload)))
		return
	}

	u.logger.Info("カメラ設定の更新を受信しました",
		zap.String("resolution", settings.Resolution),
		zap.Int("framerate", settings.Framerate),
		zap.Bool("record", settings.Record),
	)

	u.ReplaceSettings(settings)

	if err := u.Restart(ctx); err != nil {
		u.logger.Error("カメラの再起動に失敗しました", zap.Error(err))
	}
}

// ReplaceSettings は保持している設定を置き換える。反映は次回のコマンド構築時
func (u *Unit) ReplaceSettings(settings Settings) {
	u.settings.Store(&settings)
}

// onBroadcastRegistration は生存中であれば登録メッセージを送出する
func (u *Unit) onBroadcastRegistration(_ context.Context, _ any) {
	if !u.Alive() {
		return
	}

	u.Announce()
}

// Announce は登録チャンネルへストリーム情報を送り、ブローカー接続中ならカメラ情報も送信する
func (u *Unit) Announce() {
	if !u.Alive() {
		return
	}

	settings := u.Settings()
	u.logger.Debug("登録メッセージを送信します")

	if u.emitter != nil {
		u.emitter.Emit(EventStreamRegistration, u.identity.Serial, Registration{
			Port:           u.identity.Port,
			Resolution:     settings.Resolution,
			Framerate:      settings.Framerate,
			ConnectionType: u.connectionType(),
		})
		u.metrics.Registered(u.identity.Serial)
	}

	if u.publisher == nil || !u.publisher.Connected() {
		return
	}

	record := u.registrationRecord()
	if err := u.publisher.Publish(u.regTopic, record); err != nil {
		u.logger.Error("カメラ情報の送信に失敗しました", zap.String("topic", u.regTopic), zap.Error(err))
		return
	}
	u.metrics.Published()
}

// connectionType はモックモードかパイロットカメラなら ws、それ以外は http
func (u *Unit) connectionType() string {
	if u.mock || u.identity.Serial == PilotSerial {
		return ConnectionWebSocket
	}
	return ConnectionHTTP
}

// registrationRecord は "ポート:ホスト:シリアル:タグ" 形式のレコードを返す
func (u *Unit) registrationRecord() string {
	return fmt.Sprintf("%d:%s:%s:%s", u.identity.Port, HostOf(u.identity.DevicePath), u.identity.Serial, u.identity.SessionTag)
}
