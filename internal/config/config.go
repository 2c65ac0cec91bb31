package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"videohub/internal/camera"
)

// EnvConfigPath は設定ファイルのパスを指定する環境変数
const EnvConfigPath = "VIDEOHUB_CONFIG"

// ソースの種類
const (
	SourceTypeUSB         = "usb"
	SourceTypeTestPattern = "test_pattern"
	SourceTypeFrame       = "frame"
	SourceTypeFFmpeg      = "ffmpeg"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Logging      LoggingConfig       `yaml:"logging"`
	Stream       StreamConfig        `yaml:"stream"`
	Sources      []SourceConfig      `yaml:"sources"`
	MJPEGServers []MJPEGServerConfig `yaml:"mjpeg_servers"`
}

// ServerConfig は制御用 HTTP API の設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 終了処理の待ち時間
}

// LoggingConfig はログ出力の設定
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text または json
}

// StreamConfig は MJPEG サーバの既定値
type StreamConfig struct {
	MaxRequestLine int           `yaml:"max_request_line"` // リクエスト行の最大長
	MaxHeaderLines int           `yaml:"max_header_lines"` // ヘッダ行数の上限
	RequestTimeout time.Duration `yaml:"request_timeout"`  // リクエスト読み込みの制限時間
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // 1回の書き込みの制限時間
	FrameTimeout   time.Duration `yaml:"frame_timeout"`    // フレーム待ちの時間（プレースホルダ送信間隔）
	Quality        int           `yaml:"quality"`          // 生フォーマット圧縮時の JPEG 品質
	FPS            int           `yaml:"fps"`              // 最大フレームレート（0 は制限なし）
}

// SourceConfig は起動時に作成するソースの設定
type SourceConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`         // usb, test_pattern, frame, ffmpeg
	Device      string `yaml:"device"`       // デバイスパス (例: /dev/video0) または ffmpeg の入力
	InputFormat string `yaml:"input_format"` // ffmpeg の入力形式 (例: x11grab)
	PixelFormat string `yaml:"pixel_format"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
}

// MJPEGServerConfig は起動時に作成する MJPEG サーバの設定
type MJPEGServerConfig struct {
	Name    string `yaml:"name"`
	Source  string `yaml:"source"`  // 結び付けるソース名（空なら未設定）
	Address string `yaml:"address"` // 待ち受けアドレス
	Port    int    `yaml:"port"`    // 待ち受けポート（0 は自動割り当て）
	FPS     int    `yaml:"fps"`     // 0 の場合は stream.fps
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Stream: StreamConfig{
			MaxRequestLine: 4096,
			MaxHeaderLines: 100,
			RequestTimeout: 10 * time.Second,
			WriteTimeout:   10 * time.Second,
			FrameTimeout:   time.Second,
			Quality:        camera.DefaultJPEGQuality,
		},
	}
}

// Load は設定を読み込む
//
// デフォルト値に設定ファイル（path、空なら VIDEOHUB_CONFIG）を重ね、環境変数で上書きしてから検証する。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("タイムアウトに負の値は指定できません"))
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("無効なログレベル: %q", c.Logging.Level))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("無効なログ形式: %q", c.Logging.Format))
	}

	if c.Stream.MaxRequestLine < 16 {
		errs = append(errs, fmt.Errorf("リクエスト行の最大長が小さすぎます: %d", c.Stream.MaxRequestLine))
	}
	if c.Stream.Quality < 0 || c.Stream.Quality > 100 {
		errs = append(errs, fmt.Errorf("無効な JPEG 品質: %d", c.Stream.Quality))
	}
	if c.Stream.FPS < 0 {
		errs = append(errs, fmt.Errorf("無効なフレームレート: %d", c.Stream.FPS))
	}

	sources := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
			continue
		}
		if sources[s.Name] {
			errs = append(errs, fmt.Errorf("sources[%d]: ソース名 %q が重複しています", i, s.Name))
		}
		sources[s.Name] = true
	}

	servers := make(map[string]bool, len(c.MJPEGServers))
	for i, m := range c.MJPEGServers {
		switch {
		case m.Name == "":
			errs = append(errs, fmt.Errorf("mjpeg_servers[%d]: 名前が指定されていません", i))
		case servers[m.Name]:
			errs = append(errs, fmt.Errorf("mjpeg_servers[%d]: サーバ名 %q が重複しています", i, m.Name))
		}
		servers[m.Name] = true
		if m.Port < 0 || m.Port > 65535 {
			errs = append(errs, fmt.Errorf("mjpeg_servers[%d]: 無効なポート番号: %d", i, m.Port))
		}
		if m.FPS < 0 {
			errs = append(errs, fmt.Errorf("mjpeg_servers[%d]: 無効なフレームレート: %d", i, m.FPS))
		}
		if m.Source != "" && !sources[m.Source] {
			errs = append(errs, fmt.Errorf("mjpeg_servers[%d]: ソース %q は定義されていません", i, m.Source))
		}
	}

	return errors.Join(errs...)
}

func (s SourceConfig) validate() error {
	if s.Name == "" {
		return errors.New("名前が指定されていません")
	}
	switch s.Type {
	case SourceTypeUSB:
		if s.Device == "" {
			return fmt.Errorf("ソース %q: USB カメラにはデバイスパスが必要です", s.Name)
		}
	case SourceTypeFFmpeg:
		if s.Device == "" {
			return fmt.Errorf("ソース %q: ffmpeg ソースには入力が必要です", s.Name)
		}
	case SourceTypeTestPattern, SourceTypeFrame:
	default:
		return fmt.Errorf("ソース %q: 不明な種類 %q", s.Name, s.Type)
	}
	_, err := s.VideoMode()
	return err
}

// VideoMode は設定からビデオモードを組み立てる（フォーマット未指定は Unknown）
func (s SourceConfig) VideoMode() (camera.VideoMode, error) {
	mode := camera.VideoMode{Width: s.Width, Height: s.Height, FPS: s.FPS}
	if strings.TrimSpace(s.PixelFormat) != "" {
		format, ok := camera.ParsePixelFormat(s.PixelFormat)
		if !ok {
			return camera.VideoMode{}, fmt.Errorf("ソース %q: 不明なピクセルフォーマット %q", s.Name, s.PixelFormat)
		}
		mode.PixelFormat = format
	}
	if err := mode.Validate(); err != nil {
		return camera.VideoMode{}, fmt.Errorf("ソース %q: %w", s.Name, err)
	}
	return mode, nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
