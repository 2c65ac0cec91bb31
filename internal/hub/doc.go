// Package hub はソース・シンク・プロパティ・リスナーをハンドルで公開するレジストリ
//
// # 責務
// - 種類ごとのハンドルテーブルによるオブジェクトの生成・参照・参照カウント管理
// - ハンドルを受け取る全ての公開操作（失敗は camera.StatusOf で変換できるエラー）
// - シンクとソースの結び付けにおける参照の保持と解放
// - 即時通知用の状態スナップショットの提供
//
// # 仕様
//   - プロパティのハンドルは所有ソースと寿命を共にし、ソースの破棄で無効になる
//   - シンクは結び付いたソースの参照を1つ保持するため、シンクが生きている間ソースは破棄されない
//   - 列挙操作は常にコピーを返す
//   - 呼び出し側がフレームを投入する操作（PutSourceFrame など）はフレーム型のソースに限る
package hub
