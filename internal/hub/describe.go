package hub

import (
	"videohub/internal/camera"
	"videohub/internal/handle"
)

// SourceInfo はソースのある時点でのスナップショット
type SourceInfo struct {
	Handle        handle.Handle         `json:"id"`
	Name          string                `json:"name"`
	Kind          camera.SourceKind     `json:"kind"`
	Description   string                `json:"description"`
	Connected     bool                  `json:"connected"`
	Mode          camera.VideoMode      `json:"mode"`
	Modes         []camera.VideoMode    `json:"modes"`
	Properties    []camera.PropertyInfo `json:"properties"`
	LastFrameTime uint64                `json:"last_frame_time"`
	LastError     string                `json:"last_error,omitempty"`
}

// SinkInfo はシンクのある時点でのスナップショット
type SinkInfo struct {
	Handle        handle.Handle   `json:"id"`
	Name          string          `json:"name"`
	Kind          camera.SinkKind `json:"kind"`
	Description   string          `json:"description"`
	Enabled       bool            `json:"enabled"`
	Source        handle.Handle   `json:"source"`
	ListenAddress string          `json:"listen_address,omitempty"`
	Port          int             `json:"port,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// DescribeSource はソースのスナップショットを返す
func (i *Instance) DescribeSource(h handle.Handle) (SourceInfo, error) {
	src, err := i.source(h)
	if err != nil {
		return SourceInfo{}, err
	}

	props := src.Properties()
	infos := make([]camera.PropertyInfo, 0, len(props))
	for _, p := range props {
		infos = append(infos, p.Info())
	}

	return SourceInfo{
		Handle:        h,
		Name:          src.Name(),
		Kind:          src.Kind(),
		Description:   src.Description(),
		Connected:     src.IsConnected(),
		Mode:          src.VideoMode(),
		Modes:         src.VideoModes(),
		Properties:    infos,
		LastFrameTime: src.LastFrameTime(),
		LastError:     src.LastError(),
	}, nil
}

// DescribeSink はシンクのスナップショットを返す
func (i *Instance) DescribeSink(h handle.Handle) (SinkInfo, error) {
	sink, err := i.sink(h)
	if err != nil {
		return SinkInfo{}, err
	}

	info := SinkInfo{
		Handle:      h,
		Name:        sink.Name(),
		Kind:        sink.Kind(),
		Description: sink.Description(),
		Enabled:     sink.IsEnabled(),
		Source:      sink.SourceHandle(),
		LastError:   sink.LastError(),
	}
	if srv, err := i.mjpegServer(h); err == nil {
		info.ListenAddress = srv.ListenAddress()
		info.Port = srv.Port()
	}
	return info, nil
}

// FindSource は名前でソースを探す（同名が複数ある場合はスロット順で最初のもの）
func (i *Instance) FindSource(name string) (handle.Handle, bool) {
	for _, entry := range i.sources.Entries() {
		if entry.Value.Name() == name && !entry.Value.IsReleased() {
			return entry.Handle, true
		}
	}
	return 0, false
}
