// Package mjpeg はシンクに結び付いたソースを MJPEG over HTTP で配信する
//
// # 責務
// - TCP 接続の受け付けと接続ごとのゴルーチン管理
// - 上限付きの行読み込みによるリクエスト解析とパーセントデコード
// - クエリパラメータによるソースのビデオモード・プロパティの変更
// - JSON による状態応答、マルチパートのストリーム、単発の JPEG 応答
//
// # 経路
//   - /stream.mjpg, /?action=stream: multipart/x-mixed-replace ストリーム
//   - /, /settings.json, /input_0.json: JSON 文書（1回応答して切断）
//   - /snapshot.jpg, /?action=snapshot, single=1: JPEG 1枚
//   - /command, /?action=command: パラメータを適用して "Ok" を返す
//   - それ以外: 404
//
// # 仕様
//   - 応答は HTTP/1.0 で、常に Connection: close
//   - ヘッダ送信前のエラーはエラーページを返し、送信後のエラーは接続を閉じるだけ
//   - 無効化（Stop）は待ち受けと全ての接続を閉じ、全ゴルーチンの終了を待つ
//   - 受け付けに失敗した場合はこのサーバだけが停止し、自動では再開しない
package mjpeg
