package server

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"videohub/internal/config"
	"videohub/internal/hub"
	"videohub/internal/logging"
)

// Run は設定からハブと制御 API を組み立てて起動し、終了までブロックする
//
// 戻る前にハブを停止し、全てのソースとシンクを破棄する。
func Run(ctx context.Context, cfg *config.Config) error {
	if err := logging.Setup(cfg.Logging, nil); err != nil {
		return err
	}
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	inst := hub.New(hub.Options{MJPEG: MJPEGOptions(cfg.Stream)})
	defer inst.Shutdown()

	if err := Provision(inst, cfg); err != nil {
		return fmt.Errorf("ソースとシンクの作成に失敗: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"address":  cfg.ServerAddress(),
		"sources":  len(inst.EnumerateSources()),
		"sinks":    len(inst.EnumerateSinks()),
	}).Info("videohub を起動します")

	return New(cfg, inst).Start(ctx)
}
