//go:build !linux

package capture

import (
	"fmt"

	"videohub/internal/camera"
)

// NewUSBCamera は V4L2 のない環境では常に失敗する
func NewUSBCamera(_ *camera.Source, cfg Config) (camera.Backend, error) {
	return nil, fmt.Errorf("%w: USBカメラは Linux でのみ利用できます (%s)", camera.StatusSourceDisconnected, cfg.Device)
}
