package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []Event
}

func (r *recorder) Notify(e Event) {
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestProperty_SetValueByKind(t *testing.T) {
	tests := []struct {
		name    string
		kind    PropertyKind
		choices []string
		value   int
		wantErr bool
	}{
		{"整数は範囲外でも受け付ける", PropertyInteger, nil, 1000, false},
		{"真偽値の1", PropertyBoolean, nil, 1, false},
		{"真偽値の2は拒否", PropertyBoolean, nil, 2, true},
		{"列挙の範囲内", PropertyEnum, []string{"auto", "manual"}, 1, false},
		{"列挙の範囲外は拒否", PropertyEnum, []string{"auto", "manual"}, 2, true},
		{"列挙の負数は拒否", PropertyEnum, []string{"auto"}, -1, true},
		{"文字列型に整数は拒否", PropertyString, nil, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProperty("p", tt.kind, 0, 100, 1, 0, 0)
			if tt.choices != nil {
				require.NoError(t, p.SetChoices(tt.choices))
			}

			err := p.SetValue(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, StatusWrongPropertyType, StatusOf(err))
				return
			}
			require.NoError(t, err)
			v, err := p.Value()
			require.NoError(t, err)
			assert.Equal(t, tt.value, v)
		})
	}
}

func TestProperty_StringAccessors(t *testing.T) {
	p := NewProperty("label", PropertyString, 0, 0, 0, 0, 0)

	require.NoError(t, p.SetString("front door"))
	s, err := p.StringValue()
	require.NoError(t, err)
	assert.Equal(t, "front door", s)

	_, err = p.Value()
	assert.Equal(t, StatusWrongPropertyType, StatusOf(err))

	intProp := NewProperty("gain", PropertyInteger, 0, 10, 1, 5, 5)
	assert.Equal(t, StatusWrongPropertyType, StatusOf(intProp.SetString("x")))
	_, err = intProp.StringValue()
	assert.Equal(t, StatusWrongPropertyType, StatusOf(err))
	_, err = intProp.Choices()
	assert.Equal(t, StatusWrongPropertyType, StatusOf(err))
}

func TestProperty_SetChoicesDoesNotClamp(t *testing.T) {
	src := NewSource("cam0", SourceFrame, VideoMode{}, nil)
	p := src.AddProperty(NewProperty("white_balance", PropertyEnum, 0, 0, 1, 0, 0))
	require.NoError(t, p.SetChoices([]string{"auto", "indoor", "outdoor"}))
	require.NoError(t, p.SetValue(2))

	require.NoError(t, p.SetChoices([]string{"auto"}))

	v, err := p.Value()
	require.NoError(t, err)
	assert.Equal(t, 2, v, "選択肢を減らしても現在値は補正されない")

	choices, err := p.Choices()
	require.NoError(t, err)
	assert.Equal(t, []string{"auto"}, choices)
}

func TestProperty_ChoicesAreCopied(t *testing.T) {
	p := NewProperty("mode", PropertyEnum, 0, 0, 1, 0, 0)
	in := []string{"a", "b"}
	require.NoError(t, p.SetChoices(in))
	in[0] = "changed"

	out, err := p.Choices()
	require.NoError(t, err)
	out[1] = "changed"

	again, err := p.Choices()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, again)
}

func TestProperty_ChoiceIndex(t *testing.T) {
	p := NewProperty("mode", PropertyEnum, 0, 0, 1, 0, 0)
	require.NoError(t, p.SetChoices([]string{"Auto", "Manual"}))

	i, ok := p.ChoiceIndex("manual")
	assert.True(t, ok)
	assert.Equal(t, 1, i)

	_, ok = p.ChoiceIndex("none")
	assert.False(t, ok)
}

func TestProperty_EventsInMutationOrder(t *testing.T) {
	rec := &recorder{}
	src := NewSource("cam0", SourceFrame, VideoMode{}, rec)
	p := src.AddProperty(NewProperty("brightness", PropertyInteger, 0, 100, 1, 50, 50))

	require.NoError(t, p.SetValue(10))
	require.NoError(t, p.SetValue(20))

	require.Len(t, rec.events, 3)
	assert.Equal(t, []EventKind{
		EventSourcePropertyCreated,
		EventSourcePropertyValueUpdated,
		EventSourcePropertyValueUpdated,
	}, rec.kinds())
	assert.Equal(t, 10, rec.events[1].Value)
	assert.Equal(t, 20, rec.events[2].Value)
	assert.Equal(t, "brightness", rec.events[2].Name)
	assert.Equal(t, PropertyInteger, rec.events[2].PropertyKind)
}

func TestParsePropertyKind(t *testing.T) {
	kind, ok := ParsePropertyKind("Bool")
	assert.True(t, ok)
	assert.Equal(t, PropertyBoolean, kind)

	_, ok = ParsePropertyKind("float")
	assert.False(t, ok)
}
