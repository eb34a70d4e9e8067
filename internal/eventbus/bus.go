// Package eventbus はプロセス内のトピック単位のイベント配送を提供する
//
// 購読は Listener として表現され、有効化されている間だけハンドラが呼ばれる。
// 配送は非同期で、各リスナーのハンドラは独立したゴルーチンで実行される。
// ハンドラ間に暗黙の排他制御はない。
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler はイベントを受け取る関数
type Handler func(ctx context.Context, payload any)

// Listener はトピックに対する1件の購読
type Listener struct {
	topic   string
	handler Handler
	enabled atomic.Bool
}

// Topic は購読しているトピックを返す
func (l *Listener) Topic() string {
	return l.topic
}

// Enable は配送を有効にする
func (l *Listener) Enable() {
	l.enabled.Store(true)
}

// Disable は配送を無効にする
func (l *Listener) Disable() {
	l.enabled.Store(false)
}

// Enabled は配送が有効かどうかを返す
func (l *Listener) Enabled() bool {
	return l.enabled.Load()
}

// Bus はトピック → リスナーの対応表を持つイベントバス
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]*Listener
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// New は新しいBusを作成する
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[string][]*Listener),
		logger:    logger,
	}
}

// Subscribe はトピックの購読を登録する。返されるリスナーは無効状態で、Enable するまで呼ばれない
func (b *Bus) Subscribe(topic string, handler Handler) *Listener {
	l := &Listener{topic: topic, handler: handler}

	b.mu.Lock()
	b.listeners[topic] = append(b.listeners[topic], l)
	b.mu.Unlock()

	return l
}

// Unsubscribe はリスナーを対応表から取り除く
func (b *Bus) Unsubscribe(l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.listeners[l.topic]
	for i, candidate := range current {
		if candidate == l {
			b.listeners[l.topic] = append(current[:i:i], current[i+1:]...)
			break
		}
	}
	if len(b.listeners[l.topic]) == 0 {
		delete(b.listeners, l.topic)
	}
}

// Publish は有効なリスナーへイベントを非同期に配送し、配送したリスナー数を返す
// 呼び出し元のキャンセルはハンドラに伝播しない
func (b *Bus) Publish(ctx context.Context, topic string, payload any) int {
	b.mu.RLock()
	targets := make([]*Listener, 0, len(b.listeners[topic]))
	for _, l := range b.listeners[topic] {
		if l.Enabled() {
			targets = append(targets, l)
		}
	}
	b.mu.RUnlock()

	handlerCtx := context.WithoutCancel(ctx)
	for _, l := range targets {
		b.wg.Add(1)
		go b.deliver(handlerCtx, l, payload)
	}

	b.logger.Debug("イベントを配送しました", zap.String("topic", topic), zap.Int("listeners", len(targets)))
	return len(targets)
}

// Wait は配送中のハンドラがすべて終了するまで待機する
func (b *Bus) Wait() {
	b.wg.Wait()
}

// deliver はハンドラを実行する。パニックはログに記録して握りつぶす
func (b *Bus) deliver(ctx context.Context, l *Listener, payload any) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("イベントハンドラがパニックしました",
				zap.String("topic", l.topic),
				zap.Any("panic", r),
			)
		}
	}()

	l.handler(ctx, payload)
}
