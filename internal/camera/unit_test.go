package camera

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mcdafydd/mjpeg-video-server/internal/eventbus"
	"github.com/mcdafydd/mjpeg-video-server/internal/metrics"
)

// loggerNamed は指定したロガー名のエントリだけを選ぶ
func loggerNamed(name string) func(observer.LoggedEntry) bool {
	return func(e observer.LoggedEntry) bool { return e.LoggerName == name }
}

// recordingEmitter は送出された登録メッセージを記録する
type recordingEmitter struct {
	mu       sync.Mutex
	messages []emitted
}

type emitted struct {
	event   string
	serial  string
	payload any
}

func (e *recordingEmitter) Emit(event, serial string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, emitted{event: event, serial: serial, payload: payload})
}

func (e *recordingEmitter) Messages() []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emitted(nil), e.messages...)
}

// recordingPublisher は接続状態を制御でき、送信内容を記録する
type recordingPublisher struct {
	mu        sync.Mutex
	connected bool
	topics    []string
	messages  []string
}

func (p *recordingPublisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *recordingPublisher) Publish(topic, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, message)
	return nil
}

func (p *recordingPublisher) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}

type unitFixture struct {
	unit      *Unit
	sup       *MockSupervisor
	dirs      *MockDirMaker
	emitter   *recordingEmitter
	publisher *recordingPublisher
	bus       *eventbus.Bus
	logs      *observer.ObservedLogs
	metrics   *metrics.Metrics
}

type fixtureOption func(*UnitOptions)

func withMock(mock bool) fixtureOption {
	return func(o *UnitOptions) { o.Mock = mock }
}

func withExternal(identity Identity) fixtureOption {
	return func(o *UnitOptions) {
		o.External = true
		o.Identity = identity
	}
}

func withIdentity(identity Identity) fixtureOption {
	return func(o *UnitOptions) { o.Identity = identity }
}

func withSettings(settings Settings) fixtureOption {
	return func(o *UnitOptions) { o.Settings = settings }
}

func newUnitFixture(t *testing.T, opts ...fixtureOption) *unitFixture {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	f := &unitFixture{
		sup:       NewMockSupervisor(),
		dirs:      &MockDirMaker{},
		emitter:   &recordingEmitter{},
		publisher: &recordingPublisher{connected: true},
		bus:       eventbus.New(nil),
		logs:      logs,
		metrics:   metrics.New(),
	}

	unitOpts := UnitOptions{
		Identity:  Identity{ID: "unit-1", Serial: PilotSerial, DevicePath: "/dev/video0", Port: 8200, SessionTag: "8Oct95"},
		Settings:  Settings{Resolution: "1280x720", Framerate: 30},
		Mock:      true,
		Builder:   NewBuilder(testPaths(), f.dirs),
		Bus:       f.bus,
		Emitter:   f.emitter,
		Publisher: f.publisher,
		Logger:    zap.New(core),
		Metrics:   f.metrics,
	}
	for _, opt := range opts {
		opt(&unitOpts)
	}
	unitOpts.Supervisor = f.sup

	unit, err := NewUnit(unitOpts)
	require.NoError(t, err)
	f.unit = unit
	t.Cleanup(unit.Close)
	return f
}

func TestNewUnit_InitialCommand(t *testing.T) {
	f := newUnitFixture(t)

	assert.True(t, f.unit.Alive())
	assert.Equal(t, PhaseStopped, f.unit.Phase())
	assert.Equal(t, ModeMock, f.unit.Mode())
	assert.Equal(t, []string{"set"}, f.sup.Calls())
	assert.Equal(t, f.sup.LastCommand(), f.unit.Command())
	assert.Contains(t, f.unit.Command(), "output_ws.so -p 8200")
}

func TestNewUnit_RequiresCollaborators(t *testing.T) {
	_, err := NewUnit(UnitOptions{Identity: Identity{Serial: "cam1"}, Supervisor: NewMockSupervisor()})
	require.Error(t, err)

	_, err = NewUnit(UnitOptions{Identity: Identity{Serial: "cam1"}, Builder: NewBuilder(testPaths(), &MockDirMaker{})})
	require.Error(t, err)
}

func TestNewUnit_BadExternalURL(t *testing.T) {
	sup := NewMockSupervisor()
	_, err := NewUnit(UnitOptions{
		Identity:   Identity{Serial: "cam2", DevicePath: "http://[::1", Port: 8201},
		External:   true,
		Builder:    NewBuilder(testPaths(), &MockDirMaker{}),
		Supervisor: sup,
	})
	require.Error(t, err)
	assert.Empty(t, sup.Calls())
}

func TestUnit_StartStop(t *testing.T) {
	f := newUnitFixture(t)
	ctx := context.Background()

	require.NoError(t, f.unit.Start(ctx))
	assert.Equal(t, PhaseRunning, f.unit.Phase())
	assert.True(t, f.sup.Running())

	require.NoError(t, f.unit.Stop(ctx))
	assert.Equal(t, PhaseStopped, f.unit.Phase())
	assert.False(t, f.sup.Running())
}

func TestUnit_StartFailure(t *testing.T) {
	f := newUnitFixture(t)
	f.sup.SetShouldFailStart(true)

	err := f.unit.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseStopped, f.unit.Phase())
	assert.True(t, f.unit.Alive())
}

// 再起動は 停止 → コマンド再設定 → 起動 の順
func TestUnit_RestartOrder(t *testing.T) {
	f := newUnitFixture(t)
	ctx := context.Background()
	require.NoError(t, f.unit.Start(ctx))

	require.NoError(t, f.unit.Restart(ctx))
	assert.Equal(t, []string{"set", "start", "stop", "set", "start"}, f.sup.Calls())
	assert.Equal(t, PhaseRunning, f.unit.Phase())
}

// 停止に失敗したら起動を試みない
func TestUnit_RestartAbortsWhenStopFails(t *testing.T) {
	f := newUnitFixture(t)
	ctx := context.Background()
	require.NoError(t, f.unit.Start(ctx))
	f.sup.SetShouldFailStop(true)

	err := f.unit.Restart(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, f.sup.CallCount("start"))
	assert.Equal(t, 1, f.sup.CallCount("set"))
	assert.Equal(t, PhaseRunning, f.unit.Phase())
	assert.True(t, f.unit.Alive())
}

// 再起動は置き換えた設定でコマンドを作り直す
func TestUnit_RestartUsesReplacedSettings(t *testing.T) {
	f := newUnitFixture(t)
	ctx := context.Background()

	f.unit.ReplaceSettings(Settings{Resolution: "640x480", Framerate: 10})
	assert.Contains(t, f.sup.LastCommand(), "input_uvc.so -r 1280x720 -f 30 -d /dev/video0")

	require.NoError(t, f.unit.Restart(ctx))
	assert.Contains(t, f.sup.LastCommand(), "input_uvc.so -r 640x480 -f 10 -d /dev/video0")
	assert.Equal(t, Settings{Resolution: "640x480", Framerate: 10}, f.unit.Settings())
}

// 設定は丸ごと置き換わり、部分的に混ざらない
func TestUnit_ReplaceSettingsIsWhole(t *testing.T) {
	f := newUnitFixture(t, withSettings(Settings{Resolution: "1280x720", Framerate: 30, Record: true}))

	f.unit.ReplaceSettings(Settings{Resolution: "320x240"})
	assert.Equal(t, Settings{Resolution: "320x240"}, f.unit.Settings())
}

// 録画設定の変更は外部カメラのモードを切り替える
func TestUnit_RestartSwitchesRecordingMode(t *testing.T) {
	f := newUnitFixture(t,
		withMock(false),
		withExternal(Identity{Serial: "cam2", DevicePath: "http://10.0.0.2:8080/stream", Port: 8201, SessionTag: "8Oct95"}),
	)
	assert.Equal(t, ModeExternalLiveOther, f.unit.Mode())
	assert.NotContains(t, f.unit.Command(), "output_file.so -f /images/8Oct95/cam2")

	f.unit.ReplaceSettings(Settings{Resolution: "1280x720", Framerate: 30, Record: true})
	require.NoError(t, f.unit.Restart(context.Background()))

	assert.Equal(t, ModeExternalRecordOther, f.unit.Mode())
	assert.Contains(t, f.unit.Command(), "output_file.so -f /images/8Oct95/cam2")
}

func TestUnit_KillMakesOperationsNoop(t *testing.T) {
	f := newUnitFixture(t)
	ctx := context.Background()
	require.NoError(t, f.unit.Start(ctx))

	f.unit.Kill()
	f.unit.Kill()
	assert.False(t, f.unit.Alive())

	calls := f.sup.Calls()
	require.NoError(t, f.unit.Start(ctx))
	require.NoError(t, f.unit.Stop(ctx))
	require.NoError(t, f.unit.Restart(ctx))
	assert.Equal(t, calls, f.sup.Calls())

	// 無効化してもプロセス自体は止めない
	assert.True(t, f.sup.Running())
	assert.Equal(t, 1, f.logs.FilterMessage("カメラを無効化しました").Len())
}

func TestUnit_CrashDisablesUnit(t *testing.T) {
	f := newUnitFixture(t)
	ctx := context.Background()
	require.NoError(t, f.unit.Start(ctx))

	f.sup.Crash()

	assert.False(t, f.unit.Alive())
	assert.Equal(t, PhaseStopped, f.unit.Phase())

	crashLogs := f.logs.Filter(loggerNamed("daemon")).FilterMessage("カメラが規定回数を超えてクラッシュしました。無効化します")
	require.Equal(t, 1, crashLogs.Len())
	assert.Equal(t, zap.ErrorLevel, crashLogs.All()[0].Level)

	require.NoError(t, f.unit.Restart(ctx))
	assert.Equal(t, 1, f.sup.CallCount("start"))
}

func TestUnit_StderrIsLogged(t *testing.T) {
	f := newUnitFixture(t)

	f.sup.WriteStderr("Unable to open device")

	entries := f.logs.Filter(loggerNamed("daemon")).FilterMessage("Unable to open device").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
}

// ロック待ちの再起動がある間に届いた要求はその再起動に吸収される
func TestUnit_RestartCoalesces(t *testing.T) {
	f := newUnitFixture(t)
	ctx := context.Background()
	require.NoError(t, f.unit.Start(ctx))

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.sup.HoldStop(gate, entered)

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- f.unit.Restart(ctx)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("1回目の再起動が停止処理に到達しませんでした")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- f.unit.Restart(ctx)
	}()

	require.Eventually(t, f.unit.restartPending.Load, 2*time.Second, 5*time.Millisecond)

	// 3回目は保留中の再起動に統合され、すぐに戻る
	require.NoError(t, f.unit.Restart(ctx))

	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 3, f.sup.CallCount("start"))
	assert.Equal(t, 2, f.sup.CallCount("stop"))
	assert.False(t, f.unit.restartPending.Load())
}

func TestUnit_Snapshot(t *testing.T) {
	f := newUnitFixture(t)
	require.NoError(t, f.unit.Start(context.Background()))

	snap := f.unit.Snapshot()
	assert.Equal(t, "unit-1", snap.ID)
	assert.Equal(t, PilotSerial, snap.Serial)
	assert.Equal(t, "/dev/video0", snap.Device)
	assert.Equal(t, 8200, snap.Port)
	assert.Equal(t, "8Oct95", snap.SessionTag)
	assert.True(t, snap.Alive)
	assert.Equal(t, PhaseRunning, snap.Phase)
	assert.Equal(t, ModeMock, snap.Mode)
	assert.False(t, snap.LastChange.IsZero())
}

func TestUnit_WithIdentity(t *testing.T) {
	f := newUnitFixture(t, withIdentity(Identity{ID: "unit-2", Serial: "cam1", DevicePath: "/dev/video1", Port: 8201, SessionTag: "8Oct95"}))
	assert.Equal(t, "cam1", f.unit.Identity().Serial)
	assert.Contains(t, f.unit.Command(), "input_uvc.so -r 1280x720 -f 30 -d /dev/video1")
}
