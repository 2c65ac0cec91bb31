package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// USBCameraInfo は列挙された USB カメラの情報
type USBCameraInfo struct {
	Dev  int    `json:"dev"`
	Path string `json:"path"`
	Name string `json:"name"`
}

// Discovery は USB カメラデバイスを列挙する
type Discovery interface {
	ScanDevices(ctx context.Context) ([]USBCameraInfo, error)
}

var deviceNumberPattern = regexp.MustCompile(`video(\d+)$`)

// LinuxDiscovery は /dev/video* と sysfs からデバイスを列挙する
type LinuxDiscovery struct {
	devDir   string
	sysfsDir string
	useV4L2  bool
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{
		devDir:   "/dev",
		sysfsDir: "/sys/class/video4linux",
		useV4L2:  true,
	}
}

// ScanDevices は /dev/video* をデバイス番号順に列挙する
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]USBCameraInfo, error) {
	matches, err := filepath.Glob(filepath.Join(d.devDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	var cameras []USBCameraInfo
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return cameras, ctx.Err()
		default:
		}

		num, ok := extractDeviceNumber(match)
		if !ok {
			continue
		}
		cameras = append(cameras, USBCameraInfo{
			Dev:  num,
			Path: match,
			Name: d.deviceName(ctx, match, num),
		})
	}

	sort.Slice(cameras, func(i, j int) bool { return cameras[i].Dev < cameras[j].Dev })
	return cameras, nil
}

// deviceName は sysfs、v4l2-ctl、デバイス番号の順で表示名を決める
func (d *LinuxDiscovery) deviceName(ctx context.Context, device string, num int) string {
	if data, err := os.ReadFile(filepath.Join(d.sysfsDir, fmt.Sprintf("video%d", num), "name")); err == nil {
		if name := strings.TrimSpace(string(data)); name != "" {
			return name
		}
	}

	if d.useV4L2 {
		if name := v4l2DeviceName(ctx, device); name != "" {
			return name
		}
	}

	return fmt.Sprintf("カメラ %d", num)
}

// v4l2DeviceName は v4l2-ctl の "Card type" からデバイス名を取得する
func v4l2DeviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return ""
	}
	return parseCardType(string(output))
}

func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) (int, bool) {
	matches := deviceNumberPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0, false
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, false
	}
	return num, true
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu      sync.Mutex
	cameras []USBCameraInfo
	err     error
}

// NewMockDiscovery はデバイスパス一覧から MockDiscovery を作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧のコピーを返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]USBCameraInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]USBCameraInfo, len(m.cameras))
	copy(out, m.cameras)
	return out, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cameras {
		if c.Path == device {
			return
		}
	}
	num, _ := extractDeviceNumber(device)
	m.cameras = append(m.cameras, USBCameraInfo{
		Dev:  num,
		Path: device,
		Name: fmt.Sprintf("テストカメラ %d", len(m.cameras)+1),
	})
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.cameras {
		if c.Path == device {
			m.cameras = append(m.cameras[:i], m.cameras[i+1:]...)
			return
		}
	}
}

// SetError は ScanDevices が返すエラーを設定する
func (m *MockDiscovery) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
