// Package notification は学習者の進捗通知サービスの内部実装を提供する。
//
// アクティビティログから算出された進捗イベント（開始・完了・解答・ヘルプ要請）を
// 学習者進捗通知として保存し、コーチへ教室単位で配信する。コーチが通知を
// 取得するたびに閲覧ログを記録し、直近にポーリングしているコーチ数を返す。
//
// 通知アプリのモデルはdbrouterにより振り分けられ、defaultがSQLiteの場合は
// 専用のnotifications.sqlite3に保存される。これらのレコードは他のデバイスとは同期しない。
package notification
