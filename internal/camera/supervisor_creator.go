package camera

import (
	"go.uber.org/zap"

	"github.com/mcdafydd/mjpeg-video-server/internal/supervisor"
)

// SupervisorCreator はユニットごとのSupervisorを作成する
type SupervisorCreator interface {
	CreateSupervisor(id Identity) (Supervisor, error)
}

// ProcessSupervisorCreator は本番用のSupervisorCreator実装
type ProcessSupervisorCreator struct {
	config supervisor.Config
	logger *zap.Logger
}

// NewProcessSupervisorCreator は新しいProcessSupervisorCreatorを作成する
func NewProcessSupervisorCreator(config supervisor.Config, logger *zap.Logger) SupervisorCreator {
	return &ProcessSupervisorCreator{config: config, logger: logger}
}

// CreateSupervisor は mjpg_streamer を監視するSupervisorを作成する
func (p *ProcessSupervisorCreator) CreateSupervisor(id Identity) (Supervisor, error) {
	cfg := p.config
	cfg.Name = "mjpg-streamer-" + id.Serial
	return supervisor.New(cfg, p.logger), nil
}

// SupervisorCreatorFunc は関数をSupervisorCreatorとして扱う
type SupervisorCreatorFunc func(id Identity) (Supervisor, error)

// CreateSupervisor は関数を呼び出す
func (f SupervisorCreatorFunc) CreateSupervisor(id Identity) (Supervisor, error) {
	return f(id)
}
