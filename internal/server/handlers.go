package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mcdafydd/mjpeg-video-server/internal/broker"
	"github.com/mcdafydd/mjpeg-video-server/internal/camera"
	"github.com/mcdafydd/mjpeg-video-server/internal/config"
	"github.com/mcdafydd/mjpeg-video-server/internal/eventbus"
	"github.com/mcdafydd/mjpeg-video-server/internal/registration"
)

// CameraHandler はHTTP APIの各エンドポイントを実装する
type CameraHandler struct {
	config  *config.Config
	manager *camera.DefaultManager
	bus     *eventbus.Bus
	hub     *registration.Hub
	link    *broker.Link
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status           string     `json:"status"`
	Server           ServerInfo `json:"server"`
	Cameras          int        `json:"cameras"`
	AliveCameras     int        `json:"alive_cameras"`
	Serials          []string   `json:"serials"`
	BrokerConnected  bool       `json:"broker_connected"`
	RegistrationPeer int        `json:"registration_clients"`
	Timestamp        time.Time  `json:"timestamp"`
}

// CamerasResponse はカメラ一覧のレスポンス
type CamerasResponse struct {
	Cameras []camera.Camera `json:"cameras"`
}

// DispatchResponse はイベント配信のレスポンス
type DispatchResponse struct {
	Topic     string `json:"topic"`
	Delivered int    `json:"delivered"`
}

// ErrorResponse はエラーレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *CameraHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *CameraHandler) GetStatus(c *gin.Context) {
	cameras := h.manager.GetCameras()
	alive := 0
	for _, cam := range cameras {
		if cam.Alive {
			alive++
		}
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: h.config.Server.Host,
			Port: h.config.Server.Port,
		},
		Cameras:          len(cameras),
		AliveCameras:     alive,
		Serials:          h.manager.Serials(),
		BrokerConnected:  h.link != nil && h.link.Connected(),
		RegistrationPeer: h.hub.ClientCount(),
		Timestamp:        time.Now(),
	})
}

// GetCameras はカメラ一覧取得エンドポイントの実装
func (h *CameraHandler) GetCameras(c *gin.Context) {
	c.JSON(http.StatusOK, CamerasResponse{Cameras: h.manager.GetCameras()})
}

// GetCamera は個別カメラ取得エンドポイントの実装
func (h *CameraHandler) GetCamera(c *gin.Context) {
	cam, found := h.manager.GetCamera(c.Param("serial"))
	if !found {
		respondError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません")
		return
	}
	c.JSON(http.StatusOK, cam)
}

// UpdateSettings は設定変更を全カメラへ配信する
func (h *CameraHandler) UpdateSettings(c *gin.Context) {
	var settings camera.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_settings", "設定の形式が不正です: "+err.Error())
		return
	}
	if settings.Resolution == "" || settings.Framerate <= 0 {
		respondError(c, http.StatusBadRequest, "invalid_settings", "解像度とフレームレートは必須です")
		return
	}

	delivered := h.bus.Publish(c.Request.Context(), camera.TopicUpdateSettings, settings)
	c.JSON(http.StatusAccepted, DispatchResponse{
		Topic:     camera.TopicUpdateSettings,
		Delivered: delivered,
	})
}

// BroadcastRegistration は全カメラに登録メッセージの送出を要求する
func (h *CameraHandler) BroadcastRegistration(c *gin.Context) {
	delivered := h.bus.Publish(c.Request.Context(), camera.TopicBroadcastRegistration, nil)
	c.JSON(http.StatusAccepted, DispatchResponse{
		Topic:     camera.TopicBroadcastRegistration,
		Delivered: delivered,
	})
}

// RestartCamera は指定カメラを再起動する
func (h *CameraHandler) RestartCamera(c *gin.Context) {
	serial := c.Param("serial")
	if err := h.manager.RestartCamera(c.Request.Context(), serial); err != nil {
		if errors.Is(err, camera.ErrCameraNotFound) {
			respondError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません")
			return
		}
		respondError(c, http.StatusInternalServerError, "restart_failed", err.Error())
		return
	}

	cam, _ := h.manager.GetCamera(serial)
	c.JSON(http.StatusOK, cam)
}

// KillCamera は指定カメラを無効化する
func (h *CameraHandler) KillCamera(c *gin.Context) {
	serial := c.Param("serial")
	if err := h.manager.KillCamera(serial); err != nil {
		respondError(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません")
		return
	}

	cam, _ := h.manager.GetCamera(serial)
	c.JSON(http.StatusOK, cam)
}

// respondError はエラーレスポンスを返す
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}
