package camera

import (
	"context"
	"os"
	"time"
)

// PilotSerial はパイロットカメラに割り当てられる特別なシリアル番号
const PilotSerial = "pilot"

// イベントバスのトピック
const (
	TopicUpdateSettings        = "updateSettings"        // 設定変更（ペイロード: Settings）
	TopicBroadcastRegistration = "broadcastRegistration" // 登録ブロードキャスト（ペイロードなし）
)

// EventStreamRegistration は登録チャンネルへ送出するイベント名
const EventStreamRegistration = "stream.registration"

// 登録メッセージの接続種別
const (
	ConnectionWebSocket = "ws"
	ConnectionHTTP      = "http"
)

// Mode はストリーミングパイプラインの形を表す
type Mode string

const (
	ModeMock                Mode = "mock"                  // ローカル開発用（TLSなし）
	ModeExternalRecordPilot Mode = "external-record-pilot" // 外部カメラ・録画あり・パイロット
	ModeExternalRecordOther Mode = "external-record-other" // 外部カメラ・録画あり・その他
	ModeExternalLivePilot   Mode = "external-live-pilot"   // 外部カメラ・録画なし・パイロット
	ModeExternalLiveOther   Mode = "external-live-other"   // 外部カメラ・録画なし・その他
	ModeLocalUSBTLS         Mode = "local-usb-tls"         // ローカルUSBカメラ（TLSあり）
)

// External は外部カメラ系のモードかどうかを返す
func (m Mode) External() bool {
	switch m {
	case ModeExternalRecordPilot, ModeExternalRecordOther, ModeExternalLivePilot, ModeExternalLiveOther:
		return true
	default:
		return false
	}
}

// Recording は録画出力を含むモードかどうかを返す
func (m Mode) Recording() bool {
	return m == ModeExternalRecordPilot || m == ModeExternalRecordOther
}

// Phase は監視対象プロセスの動作段階を表す
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
)

// Identity は構築後に変化しないカメラの識別情報
type Identity struct {
	ID         string // ユニットの一意識別子
	Serial     string // 物理デバイスごとに一意なシリアル番号
	DevicePath string // デバイスパス（例: /dev/video0）または外部カメラのURL
	Port       int    // ストリーミング用に割り当てられたポート
	SessionTag string // 作成時刻から導出したタグ（録画ディレクトリ名に使用）
}

// Settings はストリーミングの実行時設定。変更時は常に丸ごと置き換える
type Settings struct {
	Resolution string `json:"resolution" yaml:"resolution"` // 解像度（例: 1280x720）
	Framerate  int    `json:"framerate" yaml:"framerate"`   // フレームレート
	Record     bool   `json:"record" yaml:"record"`         // 録画の有無
}

// Registration は登録チャンネルへ送出するストリーム情報
type Registration struct {
	Port           int    `json:"port"`
	Resolution     string `json:"resolution"`
	Framerate      int    `json:"framerate"`
	ConnectionType string `json:"connectionType"`
}

// Camera は管理中ユニットのスナップショット
type Camera struct {
	ID         string    `json:"id"`
	Serial     string    `json:"serial"`
	Device     string    `json:"device"`
	Port       int       `json:"port"`
	SessionTag string    `json:"session_tag"`
	Alive      bool      `json:"alive"`
	Phase      Phase     `json:"phase"`
	Mode       Mode      `json:"mode"`
	Settings   Settings  `json:"settings"`
	LastChange time.Time `json:"last_change"`
}

// Supervisor は外部プロセスの起動・監視・再起動を担うインターフェース
type Supervisor interface {
	// Start は現在のコマンドでプロセスを起動する
	Start(ctx context.Context) error

	// Stop はプロセスを停止し、停止を確認してから戻る
	Stop(ctx context.Context) error

	// SetCommand は次回起動時の引数を設定する
	SetCommand(args []string)

	// OnCrash は再起動上限を超えてクラッシュしたときの通知先を登録する
	OnCrash(fn func())

	// OnStderr は子プロセスの標準エラー出力（1行単位）の通知先を登録する
	OnStderr(fn func(line string))
}

// Emitter は外部向け登録チャンネル。送信は投げっぱなしで応答はない
type Emitter interface {
	Emit(event, serial string, payload any)
}

// Publisher はメタデータブローカーへのリンク
type Publisher interface {
	// Connected は現在ブローカーに接続しているかを返す
	Connected() bool

	// Publish はトピックへメッセージを送信する
	Publish(topic, message string) error
}

// DirMaker は録画ディレクトリの作成を担う
type DirMaker interface {
	// MkdirIfAbsent はディレクトリが存在しない場合のみ作成する
	MkdirIfAbsent(path string, perm os.FileMode) error
}

// Manager は複数ユニットの統合管理を担うインターフェース
type Manager interface {
	// Start は全ユニットのプロセスを起動する
	Start(ctx context.Context) error

	// Stop は全ユニットを停止して無効化する
	Stop(ctx context.Context) error

	// GetCameras は管理中ユニットのスナップショット一覧を取得する
	GetCameras() []Camera

	// GetCamera は指定シリアルのスナップショットを取得する
	GetCamera(serial string) (*Camera, bool)

	// RestartCamera は指定シリアルのユニットを再起動する
	RestartCamera(ctx context.Context, serial string) error

	// KillCamera は指定シリアルのユニットを無効化する
	KillCamera(serial string) error
}
