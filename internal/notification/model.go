package notification

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/learnnotify/pkg/dbrouter"
)

// maxChoiceLength は選択肢フィールドの最大文字数。
const maxChoiceLength = 200

// ObjectType は通知の対象となるオブジェクトの種類。空文字は未指定を表す。
type ObjectType string

const (
	// ObjectResource は学習リソース。
	ObjectResource ObjectType = "Resource"
	// ObjectQuiz はクイズ。
	ObjectQuiz ObjectType = "Quiz"
	// ObjectHelp はヘルプ要請。
	ObjectHelp ObjectType = "Help"
	// ObjectLesson はレッスン。
	ObjectLesson ObjectType = "Lesson"
)

// ObjectTypeChoices はObjectTypeの選択肢を返す。
func ObjectTypeChoices() []ObjectType {
	return []ObjectType{ObjectResource, ObjectQuiz, ObjectHelp, ObjectLesson}
}

// Valid は値が選択肢のいずれか、または空であるかを返す。
func (o ObjectType) Valid() bool {
	return o == "" || contains(ObjectTypeChoices(), o)
}

// EventType は通知のきっかけとなった進捗イベントの種類。空文字は未指定を表す。
type EventType string

const (
	// EventStarted は学習の開始。
	EventStarted EventType = "Started"
	// EventCompleted は学習の完了。
	EventCompleted EventType = "Completed"
	// EventHelp は学習者がヘルプを必要としていること。
	EventHelp EventType = "HelpNeeded"
	// EventAnswered はクイズの解答。
	EventAnswered EventType = "Answered"
)

// EventTypeChoices はEventTypeの選択肢を返す。
func EventTypeChoices() []EventType {
	return []EventType{EventStarted, EventCompleted, EventHelp, EventAnswered}
}

// Valid は値が選択肢のいずれか、または空であるかを返す。
func (e EventType) Valid() bool {
	return e == "" || contains(EventTypeChoices(), e)
}

// HelpReason はヘルプ要請の理由。空文字は未指定を表す。
type HelpReason string

// ReasonMultiple は複数回連続して不正解だったこと。
const ReasonMultiple HelpReason = "MultipleUnsuccessfulAttempts"

// HelpReasonChoices はHelpReasonの選択肢を返す。
func HelpReasonChoices() []HelpReason {
	return []HelpReason{ReasonMultiple}
}

// Valid は値が選択肢のいずれか、または空であるかを返す。
func (r HelpReason) Valid() bool {
	return r == "" || contains(HelpReasonChoices(), r)
}

func contains[T comparable](choices []T, v T) bool {
	for _, c := range choices {
		if c == v {
			return true
		}
	}
	return false
}

// LearnerProgressNotification は学習者の進捗イベント1件分の通知。
type LearnerProgressNotification struct {
	// ID は自動採番される主キー。
	ID int64 `json:"id"`
	// NotificationObject は通知の対象オブジェクトの種類。
	NotificationObject ObjectType `json:"object"`
	// NotificationEvent は進捗イベントの種類。
	NotificationEvent EventType `json:"event"`
	// UserID は学習者のID（UUID）。
	UserID string `json:"user_id"`
	// ClassroomID は教室のID（UUID）。
	ClassroomID string `json:"classroom_id"`
	// AssignmentCollections は課題の割り当て先コレクション（教室・グループ）のID一覧。
	// nilはNULLとして保存される。
	AssignmentCollections []string `json:"assignment_collections"`
	// ContentNodeID はコンテンツノードのID。
	ContentNodeID *string `json:"contentnode_id"`
	// LessonID はレッスンのID。
	LessonID *string `json:"lesson_id"`
	// QuizID はクイズのID。
	QuizID *string `json:"quiz_id"`
	// QuizNumCorrect はクイズの正解数。
	QuizNumCorrect *int64 `json:"quiz_num_correct"`
	// QuizNumAnswered はクイズの解答数。
	QuizNumAnswered *int64 `json:"quiz_num_answered"`
	// Reason はヘルプ要請の理由。
	Reason HelpReason `json:"reason"`
	// Timestamp はイベントの発生日時。
	Timestamp time.Time `json:"timestamp"`
}

// AppLabel は通知アプリのラベルを返す。
func (LearnerProgressNotification) AppLabel() string {
	return dbrouter.NotificationsAppLabel
}

// String は "{object} - {event}" 形式の表現を返す。
func (n LearnerProgressNotification) String() string {
	return fmt.Sprintf("%s - %s", n.NotificationObject, n.NotificationEvent)
}

// Normalize はUUIDフィールドを正規形（ハイフンなし小文字32桁）に揃え、
// 既定値を補完したうえで検証する。検証エラーは*ValidationErrorとして返す。
// nowはTimestampが未設定の場合に使用する。
func (n *LearnerProgressNotification) Normalize(now time.Time) error {
	v := &ValidationError{}

	if !n.NotificationObject.Valid() {
		v.add("object", fmt.Sprintf("%q は有効な選択肢ではありません", n.NotificationObject))
	}
	if !n.NotificationEvent.Valid() {
		v.add("event", fmt.Sprintf("%q は有効な選択肢ではありません", n.NotificationEvent))
	}
	if !n.Reason.Valid() {
		v.add("reason", fmt.Sprintf("%q は有効な選択肢ではありません", n.Reason))
	}
	if len(n.NotificationObject) > maxChoiceLength || len(n.NotificationEvent) > maxChoiceLength || len(n.Reason) > maxChoiceLength {
		v.add("choices", "選択肢は200文字以内で指定してください")
	}

	n.UserID = v.requiredUUID("user_id", n.UserID)
	n.ClassroomID = v.requiredUUID("classroom_id", n.ClassroomID)
	n.ContentNodeID = v.optionalUUID("contentnode_id", n.ContentNodeID)
	n.LessonID = v.optionalUUID("lesson_id", n.LessonID)
	n.QuizID = v.optionalUUID("quiz_id", n.QuizID)

	for i, c := range n.AssignmentCollections {
		id, err := NormalizeUUID(c)
		if err != nil {
			v.add("assignment_collections", fmt.Sprintf("%d番目の要素が不正です: %v", i, err))
			continue
		}
		n.AssignmentCollections[i] = id
	}

	if n.QuizNumCorrect != nil && *n.QuizNumCorrect < 0 {
		v.add("quiz_num_correct", "0以上で指定してください")
	}
	if n.QuizNumAnswered != nil && *n.QuizNumAnswered < 0 {
		v.add("quiz_num_answered", "0以上で指定してください")
	}

	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}
	n.Timestamp = n.Timestamp.UTC()

	if v.empty() {
		return nil
	}
	return v
}

// NotificationsLog はコーチが通知を取得したことを記録するログ。
type NotificationsLog struct {
	// ID は自動採番される主キー。
	ID int64 `json:"id"`
	// CoachID は通知を取得したコーチのID（UUID）。
	CoachID string `json:"coach_id"`
	// Timestamp は取得日時。
	Timestamp time.Time `json:"timestamp"`
}

// AppLabel は通知アプリのラベルを返す。
func (NotificationsLog) AppLabel() string {
	return dbrouter.NotificationsAppLabel
}

// String はコーチIDを返す。
func (l NotificationsLog) String() string {
	return l.CoachID
}

// NormalizeUUID はUUID文字列をハイフンなし小文字32桁の形式に変換する。
func NormalizeUUID(s string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("UUIDの形式が不正です: %w", err)
	}
	return strings.ReplaceAll(u.String(), "-", ""), nil
}

// ErrValidation は入力値の検証エラーを表す。
var ErrValidation = errors.New("入力値が不正です")

// ValidationError はフィールドごとの検証エラーをまとめたもの。
type ValidationError struct {
	// Fields はフィールド名ごとのエラーメッセージ。
	Fields map[string]string
}

func (v *ValidationError) Error() string {
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, v.Fields[k]))
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

// Unwrap はerrors.IsでErrValidationと比較できるようにする。
func (v *ValidationError) Unwrap() error {
	return ErrValidation
}

func (v *ValidationError) add(field, msg string) {
	if v.Fields == nil {
		v.Fields = make(map[string]string)
	}
	if _, exists := v.Fields[field]; !exists {
		v.Fields[field] = msg
	}
}

func (v *ValidationError) empty() bool {
	return len(v.Fields) == 0
}

func (v *ValidationError) requiredUUID(field, value string) string {
	if strings.TrimSpace(value) == "" {
		v.add(field, "必須項目です")
		return value
	}
	id, err := NormalizeUUID(value)
	if err != nil {
		v.add(field, err.Error())
		return value
	}
	return id
}

func (v *ValidationError) optionalUUID(field string, value *string) *string {
	if value == nil {
		return nil
	}
	id, err := NormalizeUUID(*value)
	if err != nil {
		v.add(field, err.Error())
		return value
	}
	return &id
}
