// Package logging は設定から logrus のロガーを組み立てる
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"videohub/internal/config"
)

// New は設定に従ったロガーを作成する（out が nil の場合は標準エラー出力）
func New(cfg config.LoggingConfig, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	if err := apply(logger, cfg, out); err != nil {
		return nil, err
	}
	return logger, nil
}

// Setup は標準ロガーに設定を反映する
//
// 各パッケージは logrus の標準ロガーへ出力するため、起動時に一度呼び出す。
func Setup(cfg config.LoggingConfig, out io.Writer) error {
	return apply(logrus.StandardLogger(), cfg, out)
}

func apply(logger *logrus.Logger, cfg config.LoggingConfig, out io.Writer) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("ログレベルの解析に失敗: %w", err)
	}

	var formatter logrus.Formatter
	switch cfg.Format {
	case "", "text":
		formatter = &logrus.TextFormatter{FullTimestamp: true}
	case "json":
		formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("未対応のログ形式: %q", cfg.Format)
	}

	if out == nil {
		out = os.Stderr
	}
	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	logger.SetOutput(out)
	return nil
}
