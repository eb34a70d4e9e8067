package camera

import (
	"context"
	"errors"
	"os"
	"sync"
)

// MockSupervisor はテスト用のモックSupervisor実装
// 呼び出し履歴を記録し、起動・停止の失敗やクラッシュ通知を再現できる
type MockSupervisor struct {
	mu       sync.Mutex
	calls    []string
	commands [][]string
	running  bool

	onCrash  func()
	onStderr func(string)

	// テスト制御用
	shouldFailStart bool
	shouldFailStop  bool
	stopGate        chan struct{}
	stopEntered     chan struct{}
}

// NewMockSupervisor は新しいMockSupervisorを作成する
func NewMockSupervisor() *MockSupervisor {
	return &MockSupervisor{}
}

// Start はモックプロセスを起動する
func (m *MockSupervisor) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "start")
	if m.shouldFailStart {
		return errors.New("モック: プロセス起動に失敗")
	}
	m.running = true
	return nil
}

// Stop はモックプロセスを停止する。ゲートが設定されていれば解放まで待つ
func (m *MockSupervisor) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.calls = append(m.calls, "stop")
	gate, entered := m.stopGate, m.stopEntered
	m.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shouldFailStop {
		return errors.New("モック: プロセス停止に失敗")
	}
	m.running = false
	return nil
}

// SetCommand は引数列を記録する
func (m *MockSupervisor) SetCommand(args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "set")
	m.commands = append(m.commands, append([]string(nil), args...))
}

// OnCrash はクラッシュ通知先を登録する
func (m *MockSupervisor) OnCrash(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCrash = fn
}

// OnStderr は標準エラー出力の通知先を登録する
func (m *MockSupervisor) OnStderr(fn func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStderr = fn
}

// Crash は再起動上限超過のクラッシュ通知を発生させる
func (m *MockSupervisor) Crash() {
	m.mu.Lock()
	m.running = false
	fn := m.onCrash
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// WriteStderr は子プロセスの標準エラー出力を1行発生させる
func (m *MockSupervisor) WriteStderr(line string) {
	m.mu.Lock()
	fn := m.onStderr
	m.mu.Unlock()

	if fn != nil {
		fn(line)
	}
}

// Calls は呼び出し履歴を返す（start / stop / set）
func (m *MockSupervisor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallCount は指定した呼び出しの回数を返す
func (m *MockSupervisor) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

// LastCommand は最後に設定された引数列を返す
func (m *MockSupervisor) LastCommand() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commands) == 0 {
		return nil
	}
	return append([]string(nil), m.commands[len(m.commands)-1]...)
}

// Running は起動中かどうかを返す
func (m *MockSupervisor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SetShouldFailStart はテスト用にStart失敗を設定する
func (m *MockSupervisor) SetShouldFailStart(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailStart = shouldFail
}

// SetShouldFailStop はテスト用にStop失敗を設定する
func (m *MockSupervisor) SetShouldFailStop(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailStop = shouldFail
}

// HoldStop はテスト用にStopをゲートの解放まで待たせる
// entered には Stop に入るたびに通知される（受信側がいなければ捨てる）
func (m *MockSupervisor) HoldStop(gate chan struct{}, entered chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopGate = gate
	m.stopEntered = entered
}

// MockSupervisorCreator はユニットごとにMockSupervisorを作成して保持する
type MockSupervisorCreator struct {
	mu          sync.Mutex
	supervisors map[string]*MockSupervisor
}

// NewMockSupervisorCreator は新しいMockSupervisorCreatorを作成する
func NewMockSupervisorCreator() *MockSupervisorCreator {
	return &MockSupervisorCreator{supervisors: make(map[string]*MockSupervisor)}
}

// CreateSupervisor はMockSupervisorを作成する
func (c *MockSupervisorCreator) CreateSupervisor(id Identity) (Supervisor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sup := NewMockSupervisor()
	c.supervisors[id.Serial] = sup
	return sup, nil
}

// Get は指定シリアル用に作成したMockSupervisorを返す
func (c *MockSupervisorCreator) Get(serial string) *MockSupervisor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supervisors[serial]
}

// MockDirMaker は作成要求されたディレクトリを記録する
type MockDirMaker struct {
	mu    sync.Mutex
	paths []string
	Err   error
}

// MkdirIfAbsent はパスを記録する
func (d *MockDirMaker) MkdirIfAbsent(path string, _ os.FileMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.paths = append(d.paths, path)
	return nil
}

// Paths は記録したパスを返す
func (d *MockDirMaker) Paths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.paths...)
}
