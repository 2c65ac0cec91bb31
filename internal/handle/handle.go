package handle

import (
	"errors"
	"fmt"
	"sync"
)

// Handle は種類タグ・世代・スロット番号をエンコードした不透明な32ビット整数
//
// ビット配置: [30..24] 種類 / [23..12] 世代 / [11..0] スロット番号
// 0 以下は常に無効なハンドルとして扱う。
type Handle int32

// Kind はハンドルが指すオブジェクトの種類
type Kind uint8

const (
	KindSource   Kind = 1 // 映像ソース
	KindSink     Kind = 2 // 映像シンク
	KindProperty Kind = 3 // ソースのプロパティ
	KindListener Kind = 4 // イベントリスナー
)

const (
	indexBits      = 12
	generationBits = 12
	kindShift      = indexBits + generationBits

	// MaxSlots は種類ごとに確保できるスロット数の上限
	MaxSlots = 1 << indexBits

	// MaxGeneration に達したスロットは解放後に再利用しない
	MaxGeneration = 1<<generationBits - 1
)

var (
	// ErrInvalidHandle は無効・解放済み・世代不一致のハンドルを示す
	ErrInvalidHandle = errors.New("無効なハンドル")

	// ErrWrongKind は別の種類のテーブルに属するハンドルを示す
	ErrWrongKind = errors.New("ハンドルの種類が一致しません")

	// ErrTableFull はスロットが枯渇したことを示す
	ErrTableFull = errors.New("ハンドルテーブルが満杯です")
)

// New は種類・スロット番号・世代からハンドルを組み立てる
func New(kind Kind, index int, generation uint16) Handle {
	return Handle(int32(kind&0x7f)<<kindShift | int32(generation&MaxGeneration)<<indexBits | int32(index&(MaxSlots-1)))
}

// Kind はハンドルの種類タグを返す
func (h Handle) Kind() Kind {
	return Kind((uint32(h) >> kindShift) & 0x7f)
}

// Index はハンドルのスロット番号を返す
func (h Handle) Index() int {
	return int(uint32(h) & (MaxSlots - 1))
}

// Generation はハンドルの世代を返す
func (h Handle) Generation() uint16 {
	return uint16((uint32(h) >> indexBits) & MaxGeneration)
}

// IsValid はハンドルが構文的に有効か（正の値か）を返す
func (h Handle) IsValid() bool {
	return h > 0
}

func (h Handle) String() string {
	if !h.IsValid() {
		return "handle(invalid)"
	}
	return fmt.Sprintf("handle(%s:%d/%d)", h.Kind(), h.Index(), h.Generation())
}

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindSink:
		return "sink"
	case KindProperty:
		return "property"
	case KindListener:
		return "listener"
	default:
		return fmt.Sprintf("kind%d", uint8(k))
	}
}

type slot[T any] struct {
	live       bool
	retired    bool
	generation uint16
	refcount   int
	value      T
}

// Entry は列挙時に返すハンドルと値の組
type Entry[T any] struct {
	Handle Handle
	Value  T
}

// Table は1種類分のスロットテーブル
//
// ロックはスロットの検索・確保・解放の間だけ保持し、値自身の操作中には保持しない。
type Table[T any] struct {
	kind  Kind
	mu    sync.Mutex
	slots []slot[T]
	live  int
}

// NewTable は指定した種類の空テーブルを作成する
func NewTable[T any](kind Kind) *Table[T] {
	return &Table[T]{kind: kind}
}

// Kind はテーブルが管理する種類を返す
func (t *Table[T]) Kind() Kind {
	return t.kind
}

// Create は最初の空きスロットに値を登録し、参照カウント1のハンドルを返す
func (t *Table[T]) Create(value T) (Handle, error) {
	return t.CreateFunc(func(Handle) T { return value })
}

// CreateFunc は割り当てたハンドルを build に渡して値を作り、登録する
//
// build はテーブルのロック中に呼ばれるため、テーブルを操作してはならない。
// 値にハンドルを埋め込む場合に、公開前の状態を他から観測されないようにする。
func (t *Table[T]) CreateFunc(build func(h Handle) T) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	index := -1
	for i := range t.slots {
		if !t.slots[i].live && !t.slots[i].retired {
			index = i
			break
		}
	}
	if index < 0 {
		if len(t.slots) >= MaxSlots {
			return 0, ErrTableFull
		}
		t.slots = append(t.slots, slot[T]{})
		index = len(t.slots) - 1
	}

	s := &t.slots[index]
	h := New(t.kind, index, s.generation)
	s.live = true
	s.refcount = 1
	s.value = build(h)
	t.live++

	return h, nil
}

// lookup はロック保持中にハンドルを検証してスロットを返す
func (t *Table[T]) lookup(h Handle) (*slot[T], error) {
	if !h.IsValid() {
		return nil, ErrInvalidHandle
	}
	if h.Kind() != t.kind {
		return nil, fmt.Errorf("%w: %s のハンドルに %s を指定", ErrWrongKind, t.kind, h.Kind())
	}
	index := h.Index()
	if index >= len(t.slots) {
		return nil, ErrInvalidHandle
	}
	s := &t.slots[index]
	if !s.live || s.generation != h.Generation() {
		return nil, ErrInvalidHandle
	}
	return s, nil
}

// Get はハンドルを解決して値を返す
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Copy は参照カウントを1増やし、同じハンドル値を返す
func (t *Table[T]) Copy(h Handle) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(h)
	if err != nil {
		return 0, err
	}
	s.refcount++
	return h, nil
}

// Release は参照カウントを1減らす
//
// 0 に達した場合はスロットを解放して世代を進め、destroyed=true と共に値を返す。
// 値の後始末（停止処理など）は呼び出し側がロック外で行う。
func (t *Table[T]) Release(h Handle) (value T, destroyed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(h)
	if err != nil {
		return value, false, err
	}
	s.refcount--
	if s.refcount > 0 {
		return value, false, nil
	}

	value = s.value
	t.free(s)
	return value, true, nil
}

// Destroy は参照カウントに関係なくスロットを解放して値を返す
//
// 終了処理で残っているエントリを破棄するために使う。
func (t *Table[T]) Destroy(h Handle) (value T, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(h)
	if err != nil {
		return value, err
	}
	value = s.value
	t.free(s)
	return value, nil
}

func (t *Table[T]) free(s *slot[T]) {
	var zero T
	s.value = zero
	s.live = false
	s.refcount = 0
	t.live--
	// 世代が一周すると古いハンドルが新しい値を指してしまう
	if s.generation == MaxGeneration {
		s.retired = true
		return
	}
	s.generation++
}

// RefCount は現在の参照カウントを返す
func (t *Table[T]) RefCount(h Handle) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(h)
	if err != nil {
		return 0, err
	}
	return s.refcount, nil
}

// Len は生存中のエントリ数を返す
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Handles は生存中のハンドル一覧のスナップショットをスロット順で返す
func (t *Table[T]) Handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	handles := make([]Handle, 0, t.live)
	for i := range t.slots {
		if t.slots[i].live {
			handles = append(handles, New(t.kind, i, t.slots[i].generation))
		}
	}
	return handles
}

// Entries は生存中のハンドルと値の組のスナップショットをスロット順で返す
func (t *Table[T]) Entries() []Entry[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]Entry[T], 0, t.live)
	for i := range t.slots {
		if t.slots[i].live {
			entries = append(entries, Entry[T]{
				Handle: New(t.kind, i, t.slots[i].generation),
				Value:  t.slots[i].value,
			})
		}
	}
	return entries
}
