// Package server は、HTTP APIとカメラ群のライフサイクルを管理します。
//
// 責務:
//   - イベントバス・登録チャンネル・ブローカーリンク・カメラマネージャーの組み立て
//   - カメラ一覧、設定変更、登録ブロードキャスト、再起動・無効化のAPI
//   - 登録チャンネル（/ws）とPrometheusメトリクス（/metrics）の公開
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - グレースフルシャットダウン時はカメラを停止してからブローカーを切断する
package server
