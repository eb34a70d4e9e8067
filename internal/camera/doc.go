// Package camera カメラ1台ごとのストリーミングプロセス（mjpg_streamer）のライフサイクルを担う
//
// # 責務
// - 動作モードの判定と起動引数の組み立て（Builder）
// - 監視付きプロセスの開始・停止・再起動・無効化（Unit）
// - 設定変更イベントへの反応と再起動（onUpdateSettings）
// - 登録ブロードキャストへの反応（Announce）
// - 設定ファイルに列挙された全カメラの統合管理（Manager）
//
// # 仕様
//   - モードは (mock, external, serial == "pilot", record) から毎回導出する
//   - Unit は Alive で生まれ、クラッシュ通知か Kill で一度だけ Dead に遷移する
//   - Dead になった Unit の操作とイベント反応はすべて何もしない
//   - 1台のカメラに対するライフサイクル操作は Unit 内のミューテックスで直列化する
//   - 保留中の再起動は後続の再起動要求を吸収する
//   - プロセスの再起動方針（最大回数・待機時間）は Supervisor 側の責務
//
// # 前提要件
//   - mjpg_streamer: input_uvc.so, input_http.so, output_ws.so,
//     output_http.so, output_file.so プラグインが LD_LIBRARY_PATH 上にあること
//   - nice: 低優先度での起動に使用
package camera
