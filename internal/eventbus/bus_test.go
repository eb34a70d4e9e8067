package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBus_DisabledUntilEnabled(t *testing.T) {
	bus := New(nil)

	var calls atomic.Int32
	l := bus.Subscribe("updateSettings", func(context.Context, any) { calls.Add(1) })
	assert.False(t, l.Enabled())
	assert.Equal(t, "updateSettings", l.Topic())

	assert.Equal(t, 0, bus.Publish(context.Background(), "updateSettings", nil))
	bus.Wait()
	assert.Equal(t, int32(0), calls.Load())

	l.Enable()
	assert.Equal(t, 1, bus.Publish(context.Background(), "updateSettings", nil))
	bus.Wait()
	assert.Equal(t, int32(1), calls.Load())

	l.Disable()
	assert.Equal(t, 0, bus.Publish(context.Background(), "updateSettings", nil))
}

func TestBus_DeliversPayloadToEveryListener(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	var got []any
	for i := 0; i < 3; i++ {
		bus.Subscribe("broadcastRegistration", func(_ context.Context, payload any) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, payload)
		}).Enable()
	}
	bus.Subscribe("other", func(context.Context, any) { t.Error("別トピックのリスナーが呼ばれました") }).Enable()

	assert.Equal(t, 3, bus.Publish(context.Background(), "broadcastRegistration", "hello"))
	bus.Wait()

	assert.Equal(t, []any{"hello", "hello", "hello"}, got)
}

// ハンドラは呼び出し元のキャンセルに影響されない
func TestBus_HandlerContextNotCanceled(t *testing.T) {
	bus := New(nil)

	errCh := make(chan error, 1)
	bus.Subscribe("updateSettings", func(ctx context.Context, _ any) {
		time.Sleep(20 * time.Millisecond)
		errCh <- ctx.Err()
	}).Enable()

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, "updateSettings", nil)
	cancel()
	bus.Wait()

	assert.NoError(t, <-errCh)
}

// 1つのハンドラのパニックは他のハンドラに影響しない
func TestBus_RecoversPanics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	bus := New(zap.New(core))

	var calls atomic.Int32
	bus.Subscribe("updateSettings", func(context.Context, any) { panic("boom") }).Enable()
	bus.Subscribe("updateSettings", func(context.Context, any) { calls.Add(1) }).Enable()

	bus.Publish(context.Background(), "updateSettings", nil)
	bus.Wait()

	assert.Equal(t, int32(1), calls.Load())
	require.Equal(t, 1, logs.FilterMessage("イベントハンドラがパニックしました").Len())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(nil)

	a := bus.Subscribe("updateSettings", func(context.Context, any) {})
	b := bus.Subscribe("updateSettings", func(context.Context, any) {})
	a.Enable()
	b.Enable()

	bus.Unsubscribe(a)
	assert.Equal(t, 1, bus.Publish(context.Background(), "updateSettings", nil))

	bus.Unsubscribe(b)
	bus.Unsubscribe(b)
	assert.Equal(t, 0, bus.Publish(context.Background(), "updateSettings", nil))
	bus.Wait()
}
