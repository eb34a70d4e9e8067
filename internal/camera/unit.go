package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mcdafydd/mjpeg-video-server/internal/eventbus"
	"github.com/mcdafydd/mjpeg-video-server/internal/metrics"
)

// リスナー表のキー
const (
	listenerRegistration = "registration"
	listenerSettings     = "settings"
)

// DefaultRegistrationTopic はカメラ情報を送るブローカートピック
const DefaultRegistrationTopic = "toCamera/cameraRegistration"

// UnitOptions はUnitの構築パラメータ
type UnitOptions struct {
	Identity Identity
	Settings Settings

	// Mock はモックモード、External は外部カメラモード（どちらもプロセス全体の設定）
	Mock     bool
	External bool

	Builder    *Builder
	Supervisor Supervisor
	Bus        *eventbus.Bus
	Emitter    Emitter
	Publisher  Publisher

	// RegistrationTopic は登録レコードの送信先トピック（空なら既定値）
	RegistrationTopic string

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Unit は1台のカメラと、そのストリーミングプロセスを表す
//
// Start / Stop / Restart は単一のミューテックスで直列化される。
// Kill かクラッシュ通知で Dead に遷移した後は、すべての操作が何もしない。
type Unit struct {
	identity Identity
	mock     bool
	external bool

	builder    *Builder
	supervisor Supervisor
	emitter    Emitter
	publisher  Publisher
	regTopic   string

	logger    *zap.Logger // app:camera 相当
	daemonLog *zap.Logger // app:daemon 相当
	metrics   *metrics.Metrics

	settings atomic.Pointer[Settings]
	alive    atomic.Bool

	// opMu はライフサイクル操作を直列化する
	opMu           sync.Mutex
	restartPending atomic.Bool

	stateMu    sync.RWMutex
	phase      Phase
	command    []string
	lastChange time.Time

	bus       *eventbus.Bus
	listeners map[string]*eventbus.Listener
}

// NewUnit は新しいUnitを作成し、初期コマンドの設定とイベント購読を行う
func NewUnit(opts UnitOptions) (*Unit, error) {
	if opts.Builder == nil {
		return nil, fmt.Errorf("カメラ %s: Builder が指定されていません", opts.Identity.Serial)
	}
	if opts.Supervisor == nil {
		return nil, fmt.Errorf("カメラ %s: Supervisor が指定されていません", opts.Identity.Serial)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{zap.String("serial", opts.Identity.Serial), zap.Int("port", opts.Identity.Port)}

	regTopic := opts.RegistrationTopic
	if regTopic == "" {
		regTopic = DefaultRegistrationTopic
	}

	u := &Unit{
		identity:   opts.Identity,
		mock:       opts.Mock,
		external:   opts.External,
		builder:    opts.Builder,
		supervisor: opts.Supervisor,
		emitter:    opts.Emitter,
		publisher:  opts.Publisher,
		regTopic:   regTopic,
		logger:     logger.Named("camera").With(fields...),
		daemonLog:  logger.Named("daemon").With(fields...),
		metrics:    opts.Metrics,
		phase:      PhaseStopped,
		lastChange: time.Now(),
		bus:        opts.Bus,
	}
	settings := opts.Settings
	u.settings.Store(&settings)
	u.alive.Store(true)

	args, err := u.buildCommand()
	if err != nil {
		return nil, err
	}
	u.supervisor.SetCommand(args)
	u.setCommand(args)

	u.supervisor.OnCrash(u.handleCrash)
	u.supervisor.OnStderr(u.handleStderr)

	if opts.Bus != nil {
		u.subscribe(opts.Bus)
	}

	u.metrics.UnitAdded()
	return u, nil
}

// Identity は識別情報を返す
func (u *Unit) Identity() Identity {
	return u.identity
}

// Alive は無効化されていないかどうかを返す
func (u *Unit) Alive() bool {
	return u.alive.Load()
}

// Settings は現在の設定を返す
func (u *Unit) Settings() Settings {
	return *u.settings.Load()
}

// Mode は現在の設定から導出される動作モードを返す
func (u *Unit) Mode() Mode {
	return ResolveMode(u.modeInputs(u.Settings()))
}

// Phase は監視対象プロセスの動作段階を返す
func (u *Unit) Phase() Phase {
	u.stateMu.RLock()
	defer u.stateMu.RUnlock()
	return u.phase
}

// Command は直近に Supervisor へ設定した引数列を返す
func (u *Unit) Command() []string {
	u.stateMu.RLock()
	defer u.stateMu.RUnlock()
	return append([]string(nil), u.command...)
}

// Snapshot は現在の状態をまとめて返す
func (u *Unit) Snapshot() Camera {
	settings := u.Settings()

	u.stateMu.RLock()
	defer u.stateMu.RUnlock()

	return Camera{
		ID:         u.identity.ID,
		Serial:     u.identity.Serial,
		Device:     u.identity.DevicePath,
		Port:       u.identity.Port,
		SessionTag: u.identity.SessionTag,
		Alive:      u.Alive(),
		Phase:      u.phase,
		Mode:       ResolveMode(u.modeInputs(settings)),
		Settings:   settings,
		LastChange: u.lastChange,
	}
}

// Start はストリーミングプロセスを起動する
// 起動済みのユニットに対して停止を挟まずに呼んではならない
func (u *Unit) Start(ctx context.Context) error {
	if !u.Alive() {
		return nil
	}

	u.opMu.Lock()
	defer u.opMu.Unlock()

	return u.startLocked(ctx)
}

// Stop はストリーミングプロセスを停止し、停止を確認してから戻る
func (u *Unit) Stop(ctx context.Context) error {
	if !u.Alive() {
		return nil
	}

	u.opMu.Lock()
	defer u.opMu.Unlock()

	return u.stopLocked(ctx)
}

// Restart は停止 → コマンド再構築 → 起動 の順に実行する
//
// 停止に失敗した場合は起動を試みずにエラーを返す。
// 別の再起動がロック待ちの間に呼ばれた要求はその再起動に吸収され、nil を返す。
func (u *Unit) Restart(ctx context.Context) error {
	if !u.Alive() {
		return nil
	}

	if !u.restartPending.CompareAndSwap(false, true) {
		u.logger.Debug("保留中の再起動に統合しました")
		return nil
	}

	u.opMu.Lock()
	defer u.opMu.Unlock()

	// ロック取得後の要求は次の再起動として扱う
	u.restartPending.Store(false)

	if !u.Alive() {
		return nil
	}

	u.logger.Info("カメラデーモンを再起動します")

	if err := u.stopLocked(ctx); err != nil {
		return fmt.Errorf("カメラ %s の再起動を中止: %w", u.identity.Serial, err)
	}

	// 設定が変わっている可能性があるためコマンドを作り直す
	args, err := u.buildCommand()
	if err != nil {
		return fmt.Errorf("カメラ %s の再起動を中止: %w", u.identity.Serial, err)
	}
	u.supervisor.SetCommand(args)
	u.setCommand(args)
	u.logger.Info("デーモンコマンドを更新しました", zap.Strings("command", args))

	if err := u.startLocked(ctx); err != nil {
		return err
	}

	u.metrics.RestartCompleted(u.identity.Serial)
	return nil
}

// Kill はユニットを無効化する。何度呼んでもよい
// プロセス自体は停止しないため、停止が必要な呼び出し側は Stop も呼ぶこと
func (u *Unit) Kill() {
	if !u.alive.CompareAndSwap(true, false) {
		return
	}

	u.touch()
	u.metrics.UnitDisabled()
	u.logger.Warn("カメラを無効化しました")
}

// Close はイベント購読を解除する
func (u *Unit) Close() {
	for _, l := range u.listeners {
		l.Disable()
		if u.bus != nil {
			u.bus.Unsubscribe(l)
		}
	}
}

// Listener は購読表からリスナーを取得する（registration / settings）
func (u *Unit) Listener(name string) (*eventbus.Listener, bool) {
	l, ok := u.listeners[name]
	return l, ok
}

func (u *Unit) startLocked(ctx context.Context) error {
	if !u.Alive() {
		return nil
	}

	u.logger.Info("カメラデーモンを起動します")
	u.setPhase(PhaseStarting)

	if err := u.supervisor.Start(ctx); err != nil {
		u.setPhase(PhaseStopped)
		return fmt.Errorf("カメラ %s の起動に失敗: %w", u.identity.Serial, err)
	}

	u.setPhase(PhaseRunning)
	return nil
}

func (u *Unit) stopLocked(ctx context.Context) error {
	if !u.Alive() {
		return nil
	}

	u.logger.Info("カメラデーモンを停止します")
	previous := u.Phase()
	u.setPhase(PhaseStopping)

	if err := u.supervisor.Stop(ctx); err != nil {
		u.setPhase(previous)
		return fmt.Errorf("カメラ %s の停止に失敗: %w", u.identity.Serial, err)
	}

	u.setPhase(PhaseStopped)
	return nil
}

// buildCommand は現在の設定とモードから引数列を組み立てる
func (u *Unit) buildCommand() ([]string, error) {
	settings := u.Settings()
	args, err := u.builder.Build(CommandInput{
		Mode:     ResolveMode(u.modeInputs(settings)),
		Identity: u.identity,
		Settings: settings,
	})
	if err != nil {
		return nil, fmt.Errorf("カメラ %s のコマンド生成に失敗: %w", u.identity.Serial, err)
	}
	return args, nil
}

func (u *Unit) modeInputs(settings Settings) ModeInputs {
	return ModeInputs{
		Mock:     u.mock,
		External: u.external,
		Serial:   u.identity.Serial,
		Record:   settings.Record,
	}
}

// handleCrash は再起動上限を超えたクラッシュ通知を受けてユニットを無効化する
func (u *Unit) handleCrash() {
	u.daemonLog.Error("カメラが規定回数を超えてクラッシュしました。無効化します")
	if u.Alive() {
		u.metrics.Crashed(u.identity.Serial)
	}
	u.setPhase(PhaseStopped)
	u.Kill()
}

// handleStderr は子プロセスの診断出力をログへ転送する
func (u *Unit) handleStderr(line string) {
	u.daemonLog.Error(line)
}

func (u *Unit) setPhase(p Phase) {
	u.stateMu.Lock()
	defer u.stateMu.Unlock()
	u.phase = p
	u.lastChange = time.Now()
}

func (u *Unit) setCommand(args []string) {
	u.stateMu.Lock()
	defer u.stateMu.Unlock()
	u.command = args
}

func (u *Unit) touch() {
	u.stateMu.Lock()
	defer u.stateMu.Unlock()
	u.lastChange = time.Now()
}
