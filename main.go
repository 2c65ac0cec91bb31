package main

import (
	"context"
	"log"

	"videohub/internal/config"
	"videohub/internal/server"
)

func main() {
	// 設定を読み込む（VIDEOHUB_CONFIG があればそのファイルを使う）
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバーを起動
	if err := server.Run(context.Background(), cfg); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
