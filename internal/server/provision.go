package server

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"videohub/internal/config"
	"videohub/internal/handle"
	"videohub/internal/hub"
	"videohub/internal/mjpeg"
)

// MJPEGOptions はストリーム設定を MJPEG サーバの設定に変換する
func MJPEGOptions(cfg config.StreamConfig) mjpeg.Options {
	return mjpeg.Options{
		MaxRequestLine: cfg.MaxRequestLine,
		MaxHeaderLines: cfg.MaxHeaderLines,
		RequestTimeout: cfg.RequestTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		FrameTimeout:   cfg.FrameTimeout,
		Quality:        cfg.Quality,
		FPS:            cfg.FPS,
	}
}

// Provision は設定に書かれたソースと MJPEG サーバを作成する
//
// USB カメラと ffmpeg ソースが開けない場合は警告を出して読み飛ばし、そのソースを参照するサーバはソース未設定で起動する。
// それ以外の失敗はエラーとして返す。
func Provision(inst *hub.Instance, cfg *config.Config) error {
	sources := make(map[string]handle.Handle, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		h, err := createSource(inst, sc)
		if err != nil {
			if sc.Type == config.SourceTypeUSB || sc.Type == config.SourceTypeFFmpeg {
				logrus.WithFields(logrus.Fields{
					"function": "Provision",
					"source":   sc.Name,
					"device":   sc.Device,
					"error":    err.Error(),
				}).Warn("ソースを開けなかったため読み飛ばします")
				continue
			}
			return err
		}
		sources[sc.Name] = h
	}

	for _, mc := range cfg.MJPEGServers {
		opts := MJPEGOptions(cfg.Stream)
		if mc.FPS > 0 {
			opts.FPS = mc.FPS
		}
		sink, err := inst.CreateMJPEGServerWithOptions(mc.Name, mc.Address, mc.Port, opts)
		if err != nil {
			return fmt.Errorf("MJPEGサーバ %s の作成に失敗: %w", mc.Name, err)
		}

		if mc.Source == "" {
			continue
		}
		src, ok := sources[mc.Source]
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function": "Provision",
				"server":   mc.Name,
				"source":   mc.Source,
			}).Warn("ソースが存在しないためMJPEGサーバをソース未設定で起動します")
			continue
		}
		if err := inst.SetSinkSource(sink, src); err != nil {
			return fmt.Errorf("MJPEGサーバ %s にソース %s を設定できません: %w", mc.Name, mc.Source, err)
		}
	}
	return nil
}

func createSource(inst *hub.Instance, sc config.SourceConfig) (handle.Handle, error) {
	mode, err := sc.VideoMode()
	if err != nil {
		return 0, err
	}

	switch sc.Type {
	case config.SourceTypeUSB:
		return inst.CreateUSBCamera(sc.Name, sc.Device, mode)
	case config.SourceTypeTestPattern:
		return inst.CreateTestPatternSource(sc.Name, mode)
	case config.SourceTypeFrame:
		return inst.CreateFrameSource(sc.Name, mode)
	case config.SourceTypeFFmpeg:
		return inst.CreateFFmpegSource(sc.Name, sc.Device, sc.InputFormat, mode)
	default:
		return 0, fmt.Errorf("ソース %s: 不明な種類 %q", sc.Name, sc.Type)
	}
}
