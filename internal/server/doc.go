// Package server は、ハブを操作する制御用 HTTP API を提供します。
//
// 映像そのものは各 MJPEG サーバが独自のポートで配信し、
// このパッケージはソースとシンクの状態確認と設定変更を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - ソース・シンク・プロパティの参照と変更
//   - USBカメラの列挙
//   - 設定ファイルに書かれたソースと MJPEG サーバの作成
//
// 仕様:
//   - ルーティングには gin を使用
//   - エラーは {error, status, message, timestamp} の JSON で返し、HTTP ステータスはハブのステータスコードから決める
//   - パスの :handle は10進数または 0x 付きの16進数
package server
