// Package supervisor は外部プロセスの起動・監視・再起動を担う
//
// 子プロセスは独自のプロセスグループで起動され、停止時はグループ全体に
// シグナルを送る。意図しない終了は Sleep 待機後に再起動し、RestartWindow 内の
// 再起動回数が MaxRestarts を超えた時点で諦めてクラッシュを通知する。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrNoCommand はコマンドが設定されていないことを表す
	ErrNoCommand = errors.New("コマンドが設定されていません")
	// ErrStillRunning は前回の子プロセスがまだ終了していないことを表す
	ErrStillRunning = errors.New("前回のプロセスがまだ終了していません")
	// ErrLocked は別のプロセスが同じ名前のロックを保持していることを表す
	ErrLocked = errors.New("別のプロセスがロックを保持しています")
)

// Config は監視方針
type Config struct {
	Name          string            // ログとロックファイル名に使用
	MaxRestarts   int               // RestartWindow 内で許容する再起動回数（負なら無制限）
	RestartWindow time.Duration     // 再起動回数を数える期間
	Sleep         time.Duration     // 再起動までの待機時間
	KillTimeout   time.Duration     // SIGTERM から SIGKILL までの猶予
	Env           map[string]string // 環境変数の上書き
	LockDir       string            // ロックファイルの置き場所（空ならロックしない）
}

// DefaultConfig はデフォルトの監視方針を返す
func DefaultConfig() Config {
	return Config{
		MaxRestarts:   5,
		RestartWindow: 60 * time.Second,
		Sleep:         5 * time.Second,
		KillTimeout:   5 * time.Second,
		Env: map[string]string{
			"LD_LIBRARY_PATH": "/usr/local/lib",
			"PATH":            "/bin:/sbin:/usr/bin:/usr/sbin:/usr/local/bin:/usr/local/sbin",
		},
	}
}

// Supervisor は1つの子プロセスを監視する
type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	args     []string
	running  bool // 起動を要求されている状態
	crashed  bool
	cmd      *exec.Cmd
	stopCh   chan struct{}
	done     chan struct{}
	restarts []time.Time
	lock     *flock.Flock

	onCrash  func()
	onStderr func(string)
}

// New は新しいSupervisorを作成する
func New(cfg Config, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = 60 * time.Second
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: logger.Named("daemon").With(zap.String("name", cfg.Name)),
	}
	if cfg.LockDir != "" {
		s.lock = flock.New(filepath.Join(cfg.LockDir, cfg.Name+".lock"))
	}
	return s
}

// SetCommand は次回起動時の引数を設定する
func (s *Supervisor) SetCommand(args []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.args = append([]string(nil), args...)
}

// Command は設定済みの引数を返す
func (s *Supervisor) Command() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.args...)
}

// OnCrash はクラッシュ通知先を登録する
func (s *Supervisor) OnCrash(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCrash = fn
}

// OnStderr は標準エラー出力の通知先を登録する
func (s *Supervisor) OnStderr(fn func(line string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStderr = fn
}

// Running は起動要求中かどうかを返す
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Crashed は再起動上限を超えて停止したかどうかを返す
func (s *Supervisor) Crashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed
}

// Pid は現在の子プロセスのPIDを返す（いなければ0）
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Start は子プロセスを起動する。起動済みなら何もしない
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if len(s.args) == 0 {
		return ErrNoCommand
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrStillRunning
		}
	}

	if err := s.acquireLock(); err != nil {
		return err
	}

	cmd, err := s.spawn()
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("%s の起動に失敗: %w", s.cfg.Name, err)
	}

	s.running = true
	s.crashed = false
	s.restarts = nil
	s.cmd = cmd
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	go s.monitor(cmd, s.stopCh, s.done)

	s.logger.Info("プロセスを起動しました", zap.Int("pid", cmd.Process.Pid), zap.Strings("args", s.args))
	return nil
}

// Stop は子プロセスを停止し、終了を確認してから戻る。停止済みなら何もしない
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	cmd := s.cmd
	done := s.done
	s.mu.Unlock()

	defer s.releaseLockSafe()

	signalGroup(cmd, unix.SIGTERM)

	timer := time.NewTimer(s.cfg.KillTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info("プロセスを停止しました")
		return nil
	case <-timer.C:
		s.logger.Warn("SIGTERM で停止しないため SIGKILL を送信します")
		signalGroup(cmd, unix.SIGKILL)
	case <-ctx.Done():
		signalGroup(cmd, unix.SIGKILL)
		return fmt.Errorf("%s の停止待ちを中断: %w", s.cfg.Name, ctx.Err())
	}

	select {
	case <-done:
		s.logger.Info("プロセスを強制停止しました")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s の停止待ちを中断: %w", s.cfg.Name, ctx.Err())
	}
}

// monitor は子プロセスの終了を待ち、必要に応じて再起動する
func (s *Supervisor) monitor(cmd *exec.Cmd, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		err := cmd.Wait()
		flushStderr(cmd)

		select {
		case <-stopCh:
			return
		default:
		}

		s.logger.Warn("プロセスが終了しました", zap.Error(err))

		if !s.allowRestart(time.Now()) {
			s.giveUp()
			return
		}

		select {
		case <-stopCh:
			return
		case <-time.After(s.cfg.Sleep):
		}

		next, ok := s.respawn(stopCh)
		if !ok {
			return
		}
		cmd = next
	}
}

// allowRestart は再起動回数の上限を判定し、許可する場合は記録する
func (s *Supervisor) allowRestart(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxRestarts < 0 {
		return true
	}

	cutoff := now.Add(-s.cfg.RestartWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept

	if len(s.restarts) >= s.cfg.MaxRestarts {
		return false
	}
	s.restarts = append(s.restarts, now)
	return true
}

// respawn は停止要求がなければ子プロセスを起動し直す
// 起動に失敗した場合も終了として扱い、上限判定を続ける
func (s *Supervisor) respawn(stopCh <-chan struct{}) (*exec.Cmd, bool) {
	for {
		s.mu.Lock()
		select {
		case <-stopCh:
			s.mu.Unlock()
			return nil, false
		default:
		}

		cmd, err := s.spawn()
		if err == nil {
			s.cmd = cmd
			s.mu.Unlock()
			s.logger.Info("プロセスを再起動しました", zap.Int("pid", cmd.Process.Pid))
			return cmd, true
		}
		s.mu.Unlock()

		s.logger.Error("プロセスの再起動に失敗しました", zap.Error(err))
		if !s.allowRestart(time.Now()) {
			s.giveUp()
			return nil, false
		}

		select {
		case <-stopCh:
			return nil, false
		case <-time.After(s.cfg.Sleep):
		}
	}
}

// giveUp はクラッシュ状態に遷移して通知する
func (s *Supervisor) giveUp() {
	s.mu.Lock()
	s.running = false
	s.crashed = true
	onCrash := s.onCrash
	s.mu.Unlock()

	s.releaseLockSafe()
	s.logger.Error("再起動上限を超えたため監視を終了します", zap.Int("max_restarts", s.cfg.MaxRestarts))

	if onCrash != nil {
		onCrash()
	}
}

// spawn は現在の引数で子プロセスを起動する（ロック済み前提）
func (s *Supervisor) spawn() (*exec.Cmd, error) {
	cmd := exec.Command(s.args[0], s.args[1:]...)
	cmd.Env = mergeEnv(os.Environ(), s.cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = &lineWriter{emit: s.emitStderr}
	cmd.WaitDelay = s.cfg.KillTimeout

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// flushStderr は改行で終わらなかった最後の出力を通知する
func flushStderr(cmd *exec.Cmd) {
	if w, ok := cmd.Stderr.(*lineWriter); ok {
		w.Flush()
	}
}

func (s *Supervisor) emitStderr(line string) {
	s.mu.Lock()
	fn := s.onStderr
	s.mu.Unlock()

	if fn != nil {
		fn(line)
	}
}

func (s *Supervisor) acquireLock() error {
	if s.lock == nil {
		return nil
	}
	if err := os.MkdirAll(s.cfg.LockDir, 0o755); err != nil {
		return fmt.Errorf("ロックディレクトリの作成に失敗: %w", err)
	}

	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("ロックの取得に失敗: %w", err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", s.lock.Path(), ErrLocked)
	}
	return nil
}

func (s *Supervisor) releaseLock() {
	if s.lock == nil || !s.lock.Locked() {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		s.logger.Warn("ロックの解放に失敗しました", zap.Error(err))
	}
}

func (s *Supervisor) releaseLockSafe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.releaseLock()
}

// signalGroup は子プロセスのプロセスグループ全体にシグナルを送る
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	// 既に終了している場合は ESRCH になるが無視してよい
	_ = unix.Kill(-cmd.Process.Pid, sig)
}

// mergeEnv は base に overrides を上書きした環境変数リストを返す
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
