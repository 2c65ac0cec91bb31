// Package capture はソースへフレームを供給するキャプチャバックエンドを提供する
//
// バックエンドは camera.Backend を実装し、専用のゴルーチンから Source.PutFrame を呼ぶ。
// USB カメラ（V4L2）は Linux でのみ利用できる。ffmpeg バックエンドは実行ファイルが PATH にあれば
// どの OS でも動き、画面キャプチャや動画ファイル、ネットワーク上のストリームを入力にできる。
package capture
