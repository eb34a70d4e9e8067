package camera

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcdafydd/mjpeg-video-server/internal/eventbus"
	"github.com/mcdafydd/mjpeg-video-server/internal/metrics"
)

// ErrCameraNotFound は指定シリアルのユニットが存在しないことを表す
var ErrCameraNotFound = errors.New("カメラが見つかりません")

// UnitSpec は設定から与えられる1台分の定義
type UnitSpec struct {
	Serial     string
	DevicePath string
	Port       int
	Settings   Settings
}

// ManagerOptions はDefaultManagerの構築パラメータ
type ManagerOptions struct {
	Units    []UnitSpec
	Mock     bool
	External bool
	Paths    Paths

	Creator           SupervisorCreator
	Dirs              DirMaker
	Bus               *eventbus.Bus
	Emitter           Emitter
	Publisher         Publisher
	RegistrationTopic string

	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Now はセッションタグの生成に使う時刻源（nil なら time.Now）
	Now func() time.Time
}

// DefaultManager はManagerのデフォルト実装
type DefaultManager struct {
	units  map[string]*Unit
	order  []string
	mu     sync.RWMutex
	bus    *eventbus.Bus
	logger *zap.Logger
}

// NewDefaultManager は設定された全カメラのユニットを作成する
func NewDefaultManager(opts ManagerOptions) (*DefaultManager, error) {
	if opts.Creator == nil {
		return nil, errors.New("SupervisorCreator が指定されていません")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &DefaultManager{
		units:  make(map[string]*Unit),
		bus:    opts.Bus,
		logger: logger.Named("manager"),
	}

	builder := NewBuilder(opts.Paths, opts.Dirs)

	for _, spec := range opts.Units {
		if _, exists := m.units[spec.Serial]; exists {
			return nil, fmt.Errorf("シリアル %s が重複しています", spec.Serial)
		}

		id := Identity{
			ID:         uuid.New().String(),
			Serial:     spec.Serial,
			DevicePath: spec.DevicePath,
			Port:       spec.Port,
			SessionTag: SessionTag(now()),
		}

		sup, err := opts.Creator.CreateSupervisor(id)
		if err != nil {
			return nil, fmt.Errorf("カメラ %s のSupervisor作成に失敗: %w", spec.Serial, err)
		}

		unit, err := NewUnit(UnitOptions{
			Identity:          id,
			Settings:          spec.Settings,
			Mock:              opts.Mock,
			External:          opts.External,
			Builder:           builder,
			Supervisor:        sup,
			Bus:               opts.Bus,
			Emitter:           opts.Emitter,
			Publisher:         opts.Publisher,
			RegistrationTopic: opts.RegistrationTopic,
			Logger:            logger,
			Metrics:           opts.Metrics,
		})
		if err != nil {
			return nil, err
		}

		m.units[spec.Serial] = unit
		m.order = append(m.order, spec.Serial)
	}

	return m, nil
}

// Start は全ユニットを起動する。一部が失敗しても残りの起動は続ける
func (m *DefaultManager) Start(ctx context.Context) error {
	var startErrors []error
	for _, unit := range m.Units() {
		if err := unit.Start(ctx); err != nil {
			m.logger.Error("カメラの起動に失敗しました", zap.String("serial", unit.Identity().Serial), zap.Error(err))
			startErrors = append(startErrors, err)
		}
	}

	if len(startErrors) > 0 {
		return fmt.Errorf("一部のカメラ起動に失敗: %w", errors.Join(startErrors...))
	}
	return nil
}

// Stop は全ユニットの購読を解除し、配送中のイベントが終わってから停止・無効化する
func (m *DefaultManager) Stop(ctx context.Context) error {
	units := m.Units()
	for _, unit := range units {
		unit.Close()
	}
	if m.bus != nil {
		m.bus.Wait()
	}

	var stopErrors []error
	for _, unit := range units {
		if err := unit.Stop(ctx); err != nil {
			stopErrors = append(stopErrors, err)
		}
		unit.Kill()
	}

	if len(stopErrors) > 0 {
		return fmt.Errorf("一部のカメラ停止に失敗: %w", errors.Join(stopErrors...))
	}
	return nil
}

// GetCameras は管理中ユニットのスナップショットを設定順に返す
func (m *DefaultManager) GetCameras() []Camera {
	units := m.Units()
	cameras := make([]Camera, 0, len(units))
	for _, unit := range units {
		cameras = append(cameras, unit.Snapshot())
	}
	return cameras
}

// GetCamera は指定シリアルのスナップショットを返す
func (m *DefaultManager) GetCamera(serial string) (*Camera, bool) {
	unit, ok := m.Unit(serial)
	if !ok {
		return nil, false
	}
	snapshot := unit.Snapshot()
	return &snapshot, true
}

// Unit は指定シリアルのユニットを返す
func (m *DefaultManager) Unit(serial string) (*Unit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	unit, ok := m.units[serial]
	return unit, ok
}

// Serials は管理中のシリアル番号をソートして返す
func (m *DefaultManager) Serials() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	serials := append([]string(nil), m.order...)
	sort.Strings(serials)
	return serials
}

// RestartCamera は指定シリアルのユニットを再起動する
func (m *DefaultManager) RestartCamera(ctx context.Context, serial string) error {
	unit, ok := m.Unit(serial)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, serial)
	}
	return unit.Restart(ctx)
}

// KillCamera は指定シリアルのユニットを無効化する
func (m *DefaultManager) KillCamera(serial string) error {
	unit, ok := m.Unit(serial)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, serial)
	}
	unit.Kill()
	return nil
}

// Units は管理中のユニットを設定順に返す
func (m *DefaultManager) Units() []*Unit {
	m.mu.RLock()
	defer m.mu.RUnlock()

	units := make([]*Unit, 0, len(m.order))
	for _, serial := range m.order {
		units = append(units, m.units[serial])
	}
	return units
}
