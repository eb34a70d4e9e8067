package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mcdafydd/mjpeg-video-server/internal/metrics"
)

// fakeToken は即座に完了するトークン
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  any
}

// fakeClient は送信内容を記録するMQTTクライアント
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connectErr   error
	publishErr   error
	published    []published
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token {
	return newFakeToken(c.connectErr)
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, qos: qos, retained: retained, payload: payload})
	return newFakeToken(c.publishErr)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) Published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func newTestLink(t *testing.T, client *fakeClient) (*Link, *observer.ObservedLogs, *metrics.Metrics) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	m := metrics.New()
	return newLink(DefaultConfig(), client, zap.New(core), m), logs, m
}

func TestClientOptions(t *testing.T) {
	l := newLink(DefaultConfig(), nil, nil, nil)
	opts := l.clientOptions()

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "ws://127.0.0.1:3000", opts.Servers[0].String())
	assert.Equal(t, "mjpeg-video-server", opts.ClientID)
	assert.Equal(t, uint(4), opts.ProtocolVersion)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.ConnectRetry)

	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "status/openrov", opts.WillTopic)
	assert.Equal(t, "MJPEG-VIDEO-SERVER: OpenROV MQTT client disconnected!", string(opts.WillPayload))
	assert.Equal(t, byte(0), opts.WillQos)
	assert.False(t, opts.WillRetained)
}

// 接続状態はリンク自身の通知でのみ変化する
func TestLink_ConnectivityFlag(t *testing.T) {
	client := &fakeClient{}
	l, logs, m := newTestLink(t, client)
	opts := l.clientOptions()

	assert.False(t, l.Connected())

	opts.OnConnect(client)
	assert.True(t, l.Connected())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BrokerConnected))

	// 再接続の試行中は状態を変えない
	opts.OnReconnecting(client, opts)
	assert.True(t, l.Connected())

	opts.OnConnectionLost(client, errors.New("EOF"))
	assert.False(t, l.Connected())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BrokerConnected))

	// 再接続の成功は OnConnect で通知される
	opts.OnConnect(client)
	assert.True(t, l.Connected())

	l.Close()
	assert.False(t, l.Connected())
	assert.True(t, client.disconnected)

	assert.Equal(t, 1, logs.FilterMessage("MJPEG-VIDEO-SERVER: MQTTブローカーとの接続がオフラインになりました").Len())
}

func TestLink_ConnectErrorIsLogged(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("connection refused")}
	l, logs, _ := newTestLink(t, client)

	l.Connect()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("MQTTエラー").Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, l.Connected())
}

func TestLink_PublishRequiresConnection(t *testing.T) {
	client := &fakeClient{}
	l, _, _ := newTestLink(t, client)

	err := l.Publish("toCamera/cameraRegistration", "8200::pilot:8Oct95")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, client.Published())
}

func TestLink_Publish(t *testing.T) {
	client := &fakeClient{}
	l, _, _ := newTestLink(t, client)
	l.handleConnect()

	require.NoError(t, l.Publish("toCamera/cameraRegistration", "8200::pilot:8Oct95"))

	got := client.Published()
	require.Len(t, got, 1)
	assert.Equal(t, published{
		topic:    "toCamera/cameraRegistration",
		qos:      0,
		retained: false,
		payload:  "8200::pilot:8Oct95",
	}, got[0])
}

// 送信エラーはログに残るだけで接続状態には影響しない
func TestLink_PublishErrorIsLogged(t *testing.T) {
	client := &fakeClient{publishErr: errors.New("not connected")}
	l, logs, _ := newTestLink(t, client)
	l.handleConnect()

	require.NoError(t, l.Publish("toCamera/cameraRegistration", "8200::pilot:8Oct95"))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("MQTTエラー").Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, l.Connected())
}
