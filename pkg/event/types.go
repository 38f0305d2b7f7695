// Package event はEvent Storeへ送信するドメインイベントの型を提供する。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

// AggregateTypeClassroom は教室エンティティを表す。通知イベントは教室単位で集約する。
const AggregateTypeClassroom AggregateType = "Classroom"

// Type はイベントの種類を表す。
type Type string

const (
	// TypeLearnerProgressNotified は学習者進捗通知が保存されたことを表す。
	TypeLearnerProgressNotified Type = "LearnerProgressNotified"
	// TypeNotificationsPurged は古い通知が削除されたことを表す。
	TypeNotificationsPurged Type = "NotificationsPurged"
)

// Event はEvent Storeに永続化される不変のイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// LearnerProgressNotifiedData はLearnerProgressNotifiedイベントのデータ。
type LearnerProgressNotifiedData struct {
	// NotificationID は保存された通知のID。
	NotificationID int64 `json:"notification_id"`
	// Object は通知の対象オブジェクトの種類。
	Object string `json:"object"`
	// Event は進捗イベントの種類。
	Event string `json:"event"`
	// UserID は学習者のID。
	UserID string `json:"user_id"`
	// Timestamp は進捗イベントの発生日時。
	Timestamp time.Time `json:"timestamp"`
}

// NotificationsPurgedData はNotificationsPurgedイベントのデータ。
type NotificationsPurgedData struct {
	// Before はこの日時より前のレコードが削除されたことを表す。
	Before time.Time `json:"before"`
	// NotificationsDeleted は削除された通知の件数。
	NotificationsDeleted int64 `json:"notifications_deleted"`
	// LogsDeleted は削除された通知取得ログの件数。
	LogsDeleted int64 `json:"logs_deleted"`
}
