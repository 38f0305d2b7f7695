package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	notificationdb "github.com/nao1215/learnnotify/internal/notification/db"
	"github.com/nao1215/learnnotify/pkg/database"
	"github.com/nao1215/learnnotify/pkg/dbrouter"
)

const (
	// DefaultListLimit は一覧取得件数の既定値。
	DefaultListLimit = 100
	// MaxListLimit は一覧取得件数の上限。
	MaxListLimit = 1000
)

// ErrNotFound は通知が存在しないことを表す。
var ErrNotFound = errors.New("通知が見つかりません")

// Store は通知アプリのモデルを永続化する。
// 読み書きのたびにルーターチェーンで接続先を解決する。
type Store struct {
	registry *database.Registry
	now      func() time.Time
}

// NewStore は新しいStoreを生成する。
func NewStore(registry *database.Registry) *Store {
	return &Store{
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Migrate は通知アプリのテーブルを、ルーターが許可する接続に作成する。
func (s *Store) Migrate(ctx context.Context) error {
	return s.registry.Migrate(ctx, dbrouter.NotificationsAppLabel, MigrationsFS, MigrationsDir)
}

func (s *Store) reader(m dbrouter.Model) (*notificationdb.Queries, error) {
	c, err := s.registry.ForRead(m)
	if err != nil {
		return nil, err
	}
	return notificationdb.New(c.DB, c.Dialect), nil
}

func (s *Store) writer(m dbrouter.Model) (*notificationdb.Queries, error) {
	c, err := s.registry.ForWrite(m)
	if err != nil {
		return nil, err
	}
	return notificationdb.New(c.DB, c.Dialect), nil
}

// CreateLearnerProgressNotification は通知を正規化・検証して保存する。
// 保存後のIDとTimestampがnに設定される。
func (s *Store) CreateLearnerProgressNotification(ctx context.Context, n *LearnerProgressNotification) error {
	if err := n.Normalize(s.now()); err != nil {
		return err
	}

	q, err := s.writer(*n)
	if err != nil {
		return err
	}

	params := notificationdb.CreateLearnerProgressNotificationParams{
		NotificationObject: string(n.NotificationObject),
		NotificationEvent:  string(n.NotificationEvent),
		UserID:             n.UserID,
		ClassroomID:        n.ClassroomID,
		ContentnodeID:      n.ContentNodeID,
		LessonID:           n.LessonID,
		QuizID:             n.QuizID,
		QuizNumCorrect:     n.QuizNumCorrect,
		QuizNumAnswered:    n.QuizNumAnswered,
		Reason:             string(n.Reason),
		Timestamp:          n.Timestamp,
	}
	if n.AssignmentCollections != nil {
		b, err := json.Marshal(n.AssignmentCollections)
		if err != nil {
			return fmt.Errorf("assignment_collectionsのシリアライズに失敗: %w", err)
		}
		collections := string(b)
		params.AssignmentCollections = &collections
	}

	id, err := q.CreateLearnerProgressNotification(ctx, params)
	if err != nil {
		return fmt.Errorf("通知の作成に失敗: %w", err)
	}
	n.ID = id
	return nil
}

// GetLearnerProgressNotification はIDで通知を取得する。
func (s *Store) GetLearnerProgressNotification(ctx context.Context, id int64) (LearnerProgressNotification, error) {
	q, err := s.reader(LearnerProgressNotification{})
	if err != nil {
		return LearnerProgressNotification{}, err
	}

	row, err := q.GetLearnerProgressNotification(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return LearnerProgressNotification{}, ErrNotFound
	}
	if err != nil {
		return LearnerProgressNotification{}, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return fromRow(row)
}

// ListFilter は教室の通知一覧の絞り込み条件。
type ListFilter struct {
	// ClassroomID は教室のID。必須。
	ClassroomID string
	// After は指定したIDより新しい通知に限定する。0は指定なし。
	After int64
	// Before は指定したIDより古い通知に限定する。0は指定なし。
	Before int64
	// LearnerID は学習者のID。空は指定なし。
	LearnerID string
	// CollectionID は割り当て先コレクション（グループ等）のID。空は指定なし。
	CollectionID string
	// Limit は取得件数。0以下はDefaultListLimit、MaxListLimitを超える場合はMaxListLimit。
	Limit int
}

// ListResult は通知一覧の取得結果。
type ListResult struct {
	// Notifications は取得した通知。
	Notifications []LearnerProgressNotification
	// MoreResults は条件に合う通知がさらに存在するかどうか。
	MoreResults bool
}

// ListClassroomNotifications は教室の通知一覧を取得する。
// Afterが指定された場合はID昇順、それ以外は新しい順に返す。
func (s *Store) ListClassroomNotifications(ctx context.Context, f ListFilter) (ListResult, error) {
	v := &ValidationError{}
	classroomID := v.requiredUUID("classroom_id", f.ClassroomID)
	var learnerID, collectionID string
	if f.LearnerID != "" {
		learnerID = v.requiredUUID("learner_id", f.LearnerID)
	}
	if f.CollectionID != "" {
		collectionID = v.requiredUUID("group_id", f.CollectionID)
	}
	if f.After < 0 || f.Before < 0 {
		v.add("cursor", "after/beforeは0以上で指定してください")
	}
	if !v.empty() {
		return ListResult{}, v
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q, err := s.reader(LearnerProgressNotification{})
	if err != nil {
		return ListResult{}, err
	}

	// 続きがあるかを判定するため1件多く取得する
	rows, err := q.ListClassroomNotifications(ctx, notificationdb.ListClassroomNotificationsParams{
		ClassroomID:  classroomID,
		After:        f.After,
		Before:       f.Before,
		LearnerID:    learnerID,
		CollectionID: collectionID,
		Limit:        limit + 1,
	})
	if err != nil {
		return ListResult{}, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	result := ListResult{Notifications: make([]LearnerProgressNotification, 0, min(len(rows), limit))}
	if len(rows) > limit {
		result.MoreResults = true
		rows = rows[:limit]
	}
	for _, row := range rows {
		n, err := fromRow(row)
		if err != nil {
			return ListResult{}, err
		}
		result.Notifications = append(result.Notifications, n)
	}
	return result, nil
}

// RecordPoll はコーチが通知を取得したことを記録する。
func (s *Store) RecordPoll(ctx context.Context, coachID string) (NotificationsLog, error) {
	id, err := NormalizeUUID(coachID)
	if err != nil {
		return NotificationsLog{}, &ValidationError{Fields: map[string]string{"coach_id": err.Error()}}
	}

	l := NotificationsLog{CoachID: id, Timestamp: s.now()}
	q, err := s.writer(l)
	if err != nil {
		return NotificationsLog{}, err
	}

	l.ID, err = q.CreateNotificationsLog(ctx, l.CoachID, l.Timestamp)
	if err != nil {
		return NotificationsLog{}, fmt.Errorf("通知取得ログの作成に失敗: %w", err)
	}
	return l, nil
}

// CoachesPolling は直近window以内に通知を取得したコーチの人数を返す。
func (s *Store) CoachesPolling(ctx context.Context, window time.Duration) (int64, error) {
	q, err := s.reader(NotificationsLog{})
	if err != nil {
		return 0, err
	}

	n, err := q.CountCoachesPolling(ctx, s.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("ポーリング中のコーチ数の取得に失敗: %w", err)
	}
	return n, nil
}

// PurgeResult は古いレコードの削除結果。
type PurgeResult struct {
	// Notifications は削除した通知の件数。
	Notifications int64 `json:"notifications_deleted"`
	// Logs は削除した通知取得ログの件数。
	Logs int64 `json:"logs_deleted"`
}

// Purge は現在からolderThanより前の通知と通知取得ログを削除する。
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (PurgeResult, error) {
	if olderThan <= 0 {
		return PurgeResult{}, &ValidationError{Fields: map[string]string{"older_than": "正の期間を指定してください"}}
	}
	before := s.now().Add(-olderThan)

	var result PurgeResult

	q, err := s.writer(LearnerProgressNotification{})
	if err != nil {
		return PurgeResult{}, err
	}
	if result.Notifications, err = q.DeleteNotificationsBefore(ctx, before); err != nil {
		return PurgeResult{}, fmt.Errorf("古い通知の削除に失敗: %w", err)
	}

	q, err = s.writer(NotificationsLog{})
	if err != nil {
		return PurgeResult{}, err
	}
	if result.Logs, err = q.DeleteNotificationsLogBefore(ctx, before); err != nil {
		return PurgeResult{}, fmt.Errorf("古い通知取得ログの削除に失敗: %w", err)
	}

	return result, nil
}

// fromRow はDB行をモデルに変換する。
func fromRow(row notificationdb.LearnerProgressNotification) (LearnerProgressNotification, error) {
	n := LearnerProgressNotification{
		ID:                 row.ID,
		NotificationObject: ObjectType(row.NotificationObject),
		NotificationEvent:  EventType(row.NotificationEvent),
		UserID:             row.UserID,
		ClassroomID:        row.ClassroomID,
		Reason:             HelpReason(row.Reason),
		Timestamp:          row.Timestamp.UTC(),
	}
	if row.AssignmentCollections.Valid {
		if err := json.Unmarshal([]byte(row.AssignmentCollections.String), &n.AssignmentCollections); err != nil {
			return LearnerProgressNotification{}, fmt.Errorf("assignment_collectionsのデシリアライズに失敗 (id=%d): %w", row.ID, err)
		}
	}
	if row.ContentnodeID.Valid {
		n.ContentNodeID = &row.ContentnodeID.String
	}
	if row.LessonID.Valid {
		n.LessonID = &row.LessonID.String
	}
	if row.QuizID.Valid {
		n.QuizID = &row.QuizID.String
	}
	if row.QuizNumCorrect.Valid {
		n.QuizNumCorrect = &row.QuizNumCorrect.Int64
	}
	if row.QuizNumAnswered.Valid {
		n.QuizNumAnswered = &row.QuizNumAnswered.Int64
	}
	return n, nil
}
