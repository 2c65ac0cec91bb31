package camera

import (
	"fmt"
	"strings"
	"sync"

	"videohub/internal/handle"
)

// PropertyKind はプロパティの型
type PropertyKind int

const (
	PropertyNone    PropertyKind = 0
	PropertyBoolean PropertyKind = 1
	PropertyInteger PropertyKind = 2
	PropertyString  PropertyKind = 4
	PropertyEnum    PropertyKind = 8
)

// String は型名を返す
func (k PropertyKind) String() string {
	switch k {
	case PropertyBoolean:
		return "boolean"
	case PropertyInteger:
		return "integer"
	case PropertyString:
		return "string"
	case PropertyEnum:
		return "enum"
	default:
		return "none"
	}
}

// MarshalText は JSON 出力で型名を使うためのもの
func (k PropertyKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParsePropertyKind は型名から PropertyKind を得る
func ParsePropertyKind(name string) (PropertyKind, bool) {
	switch strings.ToLower(name) {
	case "boolean", "bool":
		return PropertyBoolean, true
	case "integer", "int":
		return PropertyInteger, true
	case "string":
		return PropertyString, true
	case "enum":
		return PropertyEnum, true
	default:
		return PropertyNone, false
	}
}

// PropertyInfo はプロパティのある時点でのスナップショット
type PropertyInfo struct {
	Handle  handle.Handle `json:"id"`
	Name    string        `json:"name"`
	Kind    PropertyKind  `json:"type"`
	Min     int           `json:"min"`
	Max     int           `json:"max"`
	Step    int           `json:"step"`
	Default int           `json:"default"`
	Value   int           `json:"value"`
	String  string        `json:"string,omitempty"`
	Choices []string      `json:"choices,omitempty"`
}

// Property はソースに属する型付きの設定値
//
// 数値の範囲（min/max/step）は助言的なメタデータで、ストア自身は強制しない。
// Boolean は 0/1、Enum は choices のインデックスとして整数で扱う。
type Property struct {
	handle handle.Handle
	owner  *Source

	mu      sync.RWMutex
	name    string
	kind    PropertyKind
	min     int
	max     int
	step    int
	def     int
	value   int
	str     string
	choices []string
}

// NewProperty は新しいプロパティを作成する
func NewProperty(name string, kind PropertyKind, min, max, step, def, value int) *Property {
	return &Property{
		name:  name,
		kind:  kind,
		min:   min,
		max:   max,
		step:  step,
		def:   def,
		value: value,
	}
}

// BindHandle はレジストリが割り当てたハンドルを設定する（公開前に一度だけ呼ぶ）
func (p *Property) BindHandle(h handle.Handle) {
	p.handle = h
}

// Handle はプロパティのハンドルを返す
func (p *Property) Handle() handle.Handle {
	return p.handle
}

// Owner はプロパティを所有するソースを返す
func (p *Property) Owner() *Source {
	return p.owner
}

// Name はプロパティ名を返す
func (p *Property) Name() string {
	return p.name
}

// Kind はプロパティの型を返す
func (p *Property) Kind() PropertyKind {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.kind
}

// Min は最小値を返す
func (p *Property) Min() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.min
}

// Max は最大値を返す
func (p *Property) Max() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.max
}

// Step は刻み幅を返す
func (p *Property) Step() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.step
}

// Default は既定値を返す
func (p *Property) Default() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.def
}

// Value は整数値を返す（String 型では WrongPropertyType）
func (p *Property) Value() (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.kind == PropertyString || p.kind == PropertyNone {
		return 0, fmt.Errorf("%w: %s は %s 型です", StatusWrongPropertyType, p.name, p.kind)
	}
	return p.value, nil
}

// StringValue は文字列値を返す（String 型以外では WrongPropertyType）
func (p *Property) StringValue() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.kind != PropertyString {
		return "", fmt.Errorf("%w: %s は %s 型です", StatusWrongPropertyType, p.name, p.kind)
	}
	return p.str, nil
}

// Choices は Enum の選択肢のコピーを返す
func (p *Property) Choices() ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.kind != PropertyEnum {
		return nil, fmt.Errorf("%w: %s は %s 型です", StatusWrongPropertyType, p.name, p.kind)
	}
	return append([]string(nil), p.choices...), nil
}

// Info はスナップショットを返す
func (p *Property) Info() PropertyInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PropertyInfo{
		Handle:  p.handle,
		Name:    p.name,
		Kind:    p.kind,
		Min:     p.min,
		Max:     p.max,
		Step:    p.step,
		Default: p.def,
		Value:   p.value,
		String:  p.str,
		Choices: append([]string(nil), p.choices...),
	}
}

// checkValue は型と選択肢に照らして整数値を検証する
func (p *Property) checkValue(v int) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.kind {
	case PropertyInteger:
		return nil
	case PropertyBoolean:
		if v != 0 && v != 1 {
			return fmt.Errorf("%w: %s は真偽値（0/1）です: %d", StatusWrongPropertyType, p.name, v)
		}
		return nil
	case PropertyEnum:
		if v < 0 || v >= len(p.choices) {
			return fmt.Errorf("%w: %s の選択肢に %d はありません", StatusWrongPropertyType, p.name, v)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s は %s 型です", StatusWrongPropertyType, p.name, p.kind)
	}
}

// SetValue は整数値を設定する
//
// 所有ソースにバックエンドがあれば先にデバイスへ反映し、失敗した場合は値を変えない。
func (p *Property) SetValue(v int) error {
	if err := p.checkValue(v); err != nil {
		return err
	}
	if p.owner != nil {
		if err := p.owner.applyProperty(p, v, ""); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.value = v
	p.mu.Unlock()

	if p.owner != nil {
		p.owner.notifyProperty(EventSourcePropertyValueUpdated, p)
	}
	return nil
}

// SetString は文字列値を設定する
func (p *Property) SetString(s string) error {
	if p.Kind() != PropertyString {
		return fmt.Errorf("%w: %s は %s 型です", StatusWrongPropertyType, p.name, p.Kind())
	}
	if p.owner != nil {
		if err := p.owner.applyProperty(p, 0, s); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.str = s
	p.mu.Unlock()

	if p.owner != nil {
		p.owner.notifyProperty(EventSourcePropertyValueUpdated, p)
	}
	return nil
}

// SetChoices は Enum の選択肢を原子的に置き換える
//
// 置き換え後に現在値が範囲外になっても補正しない。
func (p *Property) SetChoices(choices []string) error {
	p.mu.Lock()
	if p.kind != PropertyEnum {
		kind := p.kind
		p.mu.Unlock()
		return fmt.Errorf("%w: %s は %s 型です", StatusWrongPropertyType, p.name, kind)
	}
	p.choices = append([]string(nil), choices...)
	p.mu.Unlock()

	if p.owner != nil {
		p.owner.notifyProperty(EventSourcePropertyChoicesUpdated, p)
	}
	return nil
}

// ChoiceIndex は Enum の選択肢名からインデックスを得る
func (p *Property) ChoiceIndex(choice string) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i, c := range p.choices {
		if strings.EqualFold(c, choice) {
			return i, true
		}
	}
	return 0, false
}

// redefine はバックエンドが同名プロパティを再作成した際にメタデータを更新する
func (p *Property) redefine(kind PropertyKind, min, max, step, def, value int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kind = kind
	p.min = min
	p.max = max
	p.step = step
	p.def = def
	p.value = value
}
