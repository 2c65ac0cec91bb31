package hub

import (
	"fmt"

	"videohub/internal/camera"
	"videohub/internal/handle"
)

func (i *Instance) property(h handle.Handle) (*camera.Property, error) {
	p, err := i.props.Get(h)
	if err != nil {
		return nil, fmt.Errorf("プロパティ %s: %w", h, err)
	}
	return p, nil
}

// GetPropertyKind はプロパティの型を返す
func (i *Instance) GetPropertyKind(h handle.Handle) (camera.PropertyKind, error) {
	p, err := i.property(h)
	if err != nil {
		return camera.PropertyNone, err
	}
	return p.Kind(), nil
}

// GetPropertyName はプロパティ名を返す
func (i *Instance) GetPropertyName(h handle.Handle) (string, error) {
	p, err := i.property(h)
	if err != nil {
		return "", err
	}
	return p.Name(), nil
}

// GetProperty は整数値を返す（Boolean は 0/1、Enum は選択肢のインデックス）
func (i *Instance) GetProperty(h handle.Handle) (int, error) {
	p, err := i.property(h)
	if err != nil {
		return 0, err
	}
	return p.Value()
}

// SetProperty は整数値を設定する
func (i *Instance) SetProperty(h handle.Handle, value int) error {
	p, err := i.property(h)
	if err != nil {
		return err
	}
	return p.SetValue(value)
}

// GetPropertyMin は最小値を返す
func (i *Instance) GetPropertyMin(h handle.Handle) (int, error) {
	p, err := i.property(h)
	if err != nil {
		return 0, err
	}
	return p.Min(), nil
}

// GetPropertyMax は最大値を返す
func (i *Instance) GetPropertyMax(h handle.Handle) (int, error) {
	p, err := i.property(h)
	if err != nil {
		return 0, err
	}
	return p.Max(), nil
}

// GetPropertyStep は刻み幅を返す
func (i *Instance) GetPropertyStep(h handle.Handle) (int, error) {
	p, err := i.property(h)
	if err != nil {
		return 0, err
	}
	return p.Step(), nil
}

// GetPropertyDefault は既定値を返す
func (i *Instance) GetPropertyDefault(h handle.Handle) (int, error) {
	p, err := i.property(h)
	if err != nil {
		return 0, err
	}
	return p.Default(), nil
}

// GetStringProperty は String 型プロパティの値を返す
func (i *Instance) GetStringProperty(h handle.Handle) (string, error) {
	p, err := i.property(h)
	if err != nil {
		return "", err
	}
	return p.StringValue()
}

// SetStringProperty は String 型プロパティの値を設定する
func (i *Instance) SetStringProperty(h handle.Handle, value string) error {
	p, err := i.property(h)
	if err != nil {
		return err
	}
	return p.SetString(value)
}

// GetEnumPropertyChoices は Enum 型プロパティの選択肢のコピーを返す
func (i *Instance) GetEnumPropertyChoices(h handle.Handle) ([]string, error) {
	p, err := i.property(h)
	if err != nil {
		return nil, err
	}
	return p.Choices()
}

// GetPropertyInfo はプロパティのスナップショットを返す
func (i *Instance) GetPropertyInfo(h handle.Handle) (camera.PropertyInfo, error) {
	p, err := i.property(h)
	if err != nil {
		return camera.PropertyInfo{}, err
	}
	return p.Info(), nil
}
