package camera

import (
	"strings"

	"videohub/internal/handle"
)

// EventKind はイベントの種類を表すビットマスク
type EventKind uint32

const (
	EventSourceCreated                EventKind = 0x0001
	EventSourceDestroyed              EventKind = 0x0002
	EventSourceConnected              EventKind = 0x0004
	EventSourceDisconnected           EventKind = 0x0008
	EventSourceVideoModesUpdated      EventKind = 0x0010
	EventSourceVideoModeChanged       EventKind = 0x0020
	EventSourcePropertyCreated        EventKind = 0x0040
	EventSourcePropertyValueUpdated   EventKind = 0x0080
	EventSourcePropertyChoicesUpdated EventKind = 0x0100
	EventSinkSourceChanged            EventKind = 0x0200
	EventSinkCreated                  EventKind = 0x0400
	EventSinkDestroyed                EventKind = 0x0800
	EventSinkEnabled                  EventKind = 0x1000
	EventSinkDisabled                 EventKind = 0x2000

	// EventAll は全てのイベント種類
	EventAll EventKind = 0x3fff
)

var eventNames = []struct {
	kind EventKind
	name string
}{
	{EventSourceCreated, "source_created"},
	{EventSourceDestroyed, "source_destroyed"},
	{EventSourceConnected, "source_connected"},
	{EventSourceDisconnected, "source_disconnected"},
	{EventSourceVideoModesUpdated, "source_video_modes_updated"},
	{EventSourceVideoModeChanged, "source_video_mode_changed"},
	{EventSourcePropertyCreated, "source_property_created"},
	{EventSourcePropertyValueUpdated, "source_property_value_updated"},
	{EventSourcePropertyChoicesUpdated, "source_property_choices_updated"},
	{EventSinkSourceChanged, "sink_source_changed"},
	{EventSinkCreated, "sink_created"},
	{EventSinkDestroyed, "sink_destroyed"},
	{EventSinkEnabled, "sink_enabled"},
	{EventSinkDisabled, "sink_disabled"},
}

// String はイベント種類の名前を返す（複数ビットの場合は "|" で連結）
func (k EventKind) String() string {
	var names []string
	for _, e := range eventNames {
		if k&e.kind != 0 {
			names = append(names, e.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Event はリスナーへ渡される不変のイベントレコード
type Event struct {
	Kind           EventKind
	SourceHandle   handle.Handle
	SinkHandle     handle.Handle
	Name           string
	Mode           VideoMode
	PropertyHandle handle.Handle
	PropertyKind   PropertyKind
	Value          int
	ValueString    string
}

// Notifier はイベントを配送キューへ積む
type Notifier interface {
	Notify(e Event)
}

// NotifierFunc は関数を Notifier として扱うアダプタ
type NotifierFunc func(e Event)

// Notify は関数を呼び出す
func (f NotifierFunc) Notify(e Event) {
	f(e)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

// SourceEvent はソースに関するイベントを組み立てる
func SourceEvent(kind EventKind, src *Source) Event {
	return Event{
		Kind:         kind,
		SourceHandle: src.Handle(),
		Name:         src.Name(),
		Mode:         src.VideoMode(),
	}
}

// PropertyEvent はプロパティに関するイベントを組み立てる
func PropertyEvent(kind EventKind, src *Source, p *Property) Event {
	info := p.Info()
	return Event{
		Kind:           kind,
		SourceHandle:   src.Handle(),
		Name:           info.Name,
		PropertyHandle: info.Handle,
		PropertyKind:   info.Kind,
		Value:          info.Value,
		ValueString:    info.String,
	}
}

// SinkEvent はシンクに関するイベントを組み立てる
func SinkEvent(kind EventKind, sink *Sink) Event {
	return Event{
		Kind:         kind,
		SourceHandle: sink.SourceHandle(),
		SinkHandle:   sink.Handle(),
		Name:         sink.Name(),
	}
}
