// Package camera 映像ソース・シンク・プロパティのドメインモデルを提供する
//
// # 責務
// - ビデオモード（ピクセルフォーマット・解像度・フレームレート）の表現
// - 型付きプロパティ（Boolean/Integer/String/Enum）の保持と検証
// - ソースの状態管理と最新フレームの原子的な差し替え
// - シンクの有効・無効管理と上流ソースの付け替え
// - 呼び出し側へ返すステータスコードの定義
//
// # 使い分け
// このパッケージはハンドルを知らない。ハンドル経由の操作は hub パッケージを使う。
// キャプチャバックエンドは Backend を実装し、Source.PutFrame でフレームを供給する。
//
// # 仕様
//   - フレームは不変で、読み手は常に古いか新しい完全なフレームを観測する
//   - プロパティの数値範囲は助言的なメタデータで、強制しない
//   - Enum の選択肢を置き換えても現在値は補正しない
//   - 状態変化は Notifier を通じてイベントとして通知される
//   - 全ての操作はゴルーチンセーフ
package camera
