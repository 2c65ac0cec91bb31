// Package main は videohub コマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"videohub/internal/config"
	"videohub/internal/server"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (デフォルト: $VIDEOHUB_CONFIG)")
		host       = flag.String("host", "", "制御APIのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "制御APIのポート (デフォルト: 8080)")
		logLevel   = flag.String("log-level", "", "ログレベル (debug, info, warn, error)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("videohub")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  videohub [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	// サーバーを起動
	if err := server.Run(context.Background(), cfg); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
