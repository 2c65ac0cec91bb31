// Package handle は、言語境界を越えて受け渡せる不透明な整数ハンドルを管理する。
//
// 責務:
//   - 種類ごとのスロットテーブルによるハンドルの割り当て・解決・解放
//   - 明示的な Copy/Release による参照カウント管理
//   - 世代カウンタによる解放済みハンドルの無効化
//
// 仕様:
//   - 全ての操作は任意のゴルーチンから並行して呼び出せる
//   - テーブルのロックはスロット操作の間だけ保持する
//   - 解放済み・世代違い・種類違いのハンドルはエラーを返し、パニックしない
package handle
