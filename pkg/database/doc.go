// Package database は接続名ごとのデータベース接続を管理する。
//
// defaultに加え、ルーターチェーンが必要とする専用データベース（notifications_db）を開き、
// モデル単位の読み書き先をdbrouter.Chainで解決する。マイグレーションも
// チェーンのAllowMigrateに従って接続ごとに適用する。
package database
