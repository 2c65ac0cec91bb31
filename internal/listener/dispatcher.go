package listener

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"videohub/internal/camera"
	"videohub/internal/handle"
)

// Callback はイベントを受け取る関数
type Callback func(e camera.Event)

// SnapshotFunc は即時通知用に、現存するオブジェクトの合成イベントを mask で絞って返す
type SnapshotFunc func(mask camera.EventKind) []camera.Event

// InvokeFunc はコールバックの呼び出し方を差し替える
//
// 呼び出し側の実行環境（外部ランタイムへのアタッチなど）が必要な場合に使う。
type InvokeFunc func(cb Callback, e camera.Event)

// Options はディスパッチャの構築時設定
type Options struct {
	// OnStart は配送ゴルーチンの開始時に一度だけ呼ばれる
	OnStart func()

	// OnExit は配送ゴルーチンの終了時に一度だけ呼ばれる
	OnExit func()

	// Invoke が nil の場合はコールバックを直接呼ぶ
	Invoke InvokeFunc

	// Snapshot が nil の場合、即時通知は何も配送しない
	Snapshot SnapshotFunc
}

type registration struct {
	mask     camera.EventKind
	callback Callback

	// deliver は配送と即時通知と削除を直列化する
	deliver sync.Mutex
	since   uint64
	removed atomic.Bool

	// replayed は即時通知で配送済みのイベントと、重複しうるキューの範囲 (since, until]
	replayed map[camera.Event]int
	until    uint64
}

type queued struct {
	seq   uint64
	event camera.Event
}

// Dispatcher はイベントをキューに積み、専用ゴルーチンで登録順に配送する
type Dispatcher struct {
	opts      Options
	listeners *handle.Table[*registration]

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []queued
	seq      uint64
	started  bool
	stopping bool
	done     chan struct{}

	// current は配送ゴルーチンがコールバックを実行中の登録
	current atomic.Pointer[registration]
}

// New は新しいディスパッチャを作成する
//
// 配送ゴルーチンは最初のリスナー登録時に起動する。
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		opts:      opts,
		listeners: handle.NewTable[*registration](handle.KindListener),
		done:      make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Notify はイベントを配送キューに積む（ブロックしない）
//
// リスナーが1つもない場合は破棄する。
func (d *Dispatcher) Notify(e camera.Event) {
	if d.listeners.Len() == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		return
	}
	d.seq++
	d.queue = append(d.queue, queued{seq: d.seq, event: e})
	d.cond.Signal()
}

// AddListener はリスナーを登録する
//
// immediate が真の場合、現存するオブジェクトごとの合成イベントを呼び出し元の
// ゴルーチンで同期的に配送してから戻る。登録以降に発生したイベントは合成イベントの後に届く。
// スナップショットの取得中にキューへ積まれたイベントのうち、合成イベントと同じものは1回だけ読み飛ばす。
func (d *Dispatcher) AddListener(callback Callback, mask camera.EventKind, immediate bool) (handle.Handle, error) {
	if callback == nil {
		return 0, fmt.Errorf("%w: コールバックが nil です", camera.StatusHandlerNotSet)
	}

	reg := &registration{mask: mask, callback: callback}
	reg.deliver.Lock()
	defer reg.deliver.Unlock()

	h, err := d.listeners.Create(reg)
	if err != nil {
		return 0, fmt.Errorf("リスナーの登録に失敗: %w", err)
	}

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		_, _, _ = d.listeners.Release(h)
		return 0, fmt.Errorf("%w: ディスパッチャは停止済みです", camera.StatusHandlerNotSet)
	}
	reg.since = d.seq
	if !d.started {
		d.started = true
		go d.run()
	}
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "AddListener",
		"listener":  h.String(),
		"mask":      mask.String(),
		"immediate": immediate,
	}).Debug("リスナーを登録しました")

	if immediate && d.opts.Snapshot != nil {
		events := d.opts.Snapshot(mask)

		d.mu.Lock()
		reg.until = d.seq
		d.mu.Unlock()
		if reg.until > reg.since {
			reg.replayed = make(map[camera.Event]int)
		}

		for _, e := range events {
			if e.Kind&mask == 0 {
				continue
			}
			if reg.replayed != nil {
				reg.replayed[e]++
			}
			d.invoke(h, reg, e)
		}
	}
	return h, nil
}

// RemoveListener はリスナーを削除する
//
// 実行中の配送があれば終わるまで待ち、戻った後に新しい配送は始まらない。
// そのリスナーのコールバックの実行中に呼ばれた場合は、完了を待たずに戻る。
// 削除済みのハンドルに対しては何もしない。
func (d *Dispatcher) RemoveListener(h handle.Handle) error {
	reg, _, err := d.listeners.Release(h)
	if err != nil {
		if camera.StatusOf(err) == camera.StatusWrongHandleKind {
			return err
		}
		return nil
	}
	if d.current.Load() == reg {
		// コールバック自身からの削除では deliver が保持されたまま
		reg.removed.Store(true)
	} else {
		reg.deliver.Lock()
		reg.removed.Store(true)
		reg.deliver.Unlock()
	}

	logrus.WithFields(logrus.Fields{
		"function": "RemoveListener",
		"listener": h.String(),
	}).Debug("リスナーを削除しました")
	return nil
}

// Len は登録中のリスナー数を返す
func (d *Dispatcher) Len() int {
	return d.listeners.Len()
}

// Stop はキューに残ったイベントを配送し終えてから配送ゴルーチンを止める
//
// 冪等で、コールバック内から呼んではならない。
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopping {
		started := d.started
		d.mu.Unlock()
		if started {
			<-d.done
		}
		return
	}
	d.stopping = true
	started := d.started
	d.cond.Broadcast()
	d.mu.Unlock()

	if started {
		<-d.done
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	if d.opts.OnStart != nil {
		d.opts.OnStart()
	}
	if d.opts.OnExit != nil {
		defer d.opts.OnExit()
	}

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopping {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		item := d.queue[0]
		d.queue[0] = queued{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.dispatch(item)
	}
}

func (d *Dispatcher) dispatch(item queued) {
	for _, entry := range d.listeners.Entries() {
		reg := entry.Value
		if reg.mask&item.event.Kind == 0 {
			continue
		}

		reg.deliver.Lock()
		if !reg.removed.Load() && item.seq > reg.since && !reg.consumeReplayed(item) {
			d.current.Store(reg)
			d.invoke(entry.Handle, reg, item.event)
			d.current.Store(nil)
		}
		reg.deliver.Unlock()
	}
}

// consumeReplayed は即時通知で配送済みのイベントなら印を1つ消して true を返す
func (r *registration) consumeReplayed(item queued) bool {
	if r.replayed == nil {
		return false
	}
	if item.seq > r.until {
		r.replayed = nil
		return false
	}
	n := r.replayed[item.event]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(r.replayed, item.event)
	} else {
		r.replayed[item.event] = n - 1
	}
	return true
}

func (d *Dispatcher) invoke(h handle.Handle, reg *registration, e camera.Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "invoke",
				"listener": h.String(),
				"event":    e.Kind.String(),
				"panic":    fmt.Sprint(r),
			}).Error("リスナーのコールバックがパニックしました")
		}
	}()

	if d.opts.Invoke != nil {
		d.opts.Invoke(reg.callback, e)
		return
	}
	reg.callback(e)
}
