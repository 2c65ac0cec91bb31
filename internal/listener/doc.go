// Package listener はリソースのライフサイクルとプロパティ変更のイベントを配送する
//
// 責務:
//   - イベント種類のビットマスクによるリスナーの登録・削除
//   - 変更操作から切り離された専用ゴルーチンでの非同期配送
//   - 即時通知による現存オブジェクトのスナップショット再生
//
// 仕様:
//   - 1つのリスナーに対しては、キューに積まれた順に1件ずつ配送する
//   - 異なるリスナー間の順序は保証しない
//   - 削除後に新しい配送は始まらない（実行中の1件は完了しうる）
//   - 配送ゴルーチンの開始・終了フックは Options で渡す
//   - パニックしたコールバックはログに記録して次のイベントへ進む
package listener
