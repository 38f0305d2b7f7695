package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nao1215/learnnotify/pkg/database/dialect"
)

const lpnColumns = `id, notification_object, notification_event, user_id, classroom_id,
    assignment_collections, contentnode_id, lesson_id, quiz_id,
    quiz_num_correct, quiz_num_answered, reason, timestamp`

// CreateLearnerProgressNotificationParams は通知作成のパラメータ。
type CreateLearnerProgressNotificationParams struct {
	NotificationObject    string
	NotificationEvent     string
	UserID                string
	ClassroomID           string
	AssignmentCollections *string
	ContentnodeID         *string
	LessonID              *string
	QuizID                *string
	QuizNumCorrect        *int64
	QuizNumAnswered       *int64
	Reason                string
	Timestamp             time.Time
}

const createLearnerProgressNotification = `INSERT INTO notifications_learnerprogressnotification (
    notification_object, notification_event, user_id, classroom_id,
    assignment_collections, contentnode_id, lesson_id, quiz_id,
    quiz_num_correct, quiz_num_answered, reason, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// CreateLearnerProgressNotification は通知を1件作成し、採番されたIDを返す。
func (q *Queries) CreateLearnerProgressNotification(ctx context.Context, arg CreateLearnerProgressNotificationParams) (int64, error) {
	args := []any{
		arg.NotificationObject,
		arg.NotificationEvent,
		arg.UserID,
		arg.ClassroomID,
		arg.AssignmentCollections,
		arg.ContentnodeID,
		arg.LessonID,
		arg.QuizID,
		arg.QuizNumCorrect,
		arg.QuizNumAnswered,
		arg.Reason,
		arg.Timestamp.UTC(),
	}
	return q.insertReturningID(ctx, createLearnerProgressNotification, args...)
}

// insertReturningID はINSERTを実行して採番されたIDを返す。
// MySQLはRETURNINGをサポートしないためLastInsertIdを使う。
func (q *Queries) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	if q.dialect == dialect.MySQL {
		res, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}

	var id int64
	err := q.db.QueryRowContext(ctx, q.dialect.Rebind(query+" RETURNING id"), args...).Scan(&id)
	return id, err
}

const getLearnerProgressNotification = `SELECT ` + lpnColumns + `
FROM notifications_learnerprogressnotification
WHERE id = ?`

// GetLearnerProgressNotification はIDで通知を1件取得する。
// 存在しない場合はsql.ErrNoRowsを返す。
func (q *Queries) GetLearnerProgressNotification(ctx context.Context, id int64) (LearnerProgressNotification, error) {
	row := q.db.QueryRowContext(ctx, q.dialect.Rebind(getLearnerProgressNotification), id)
	var i LearnerProgressNotification
	err := row.Scan(
		&i.ID,
		&i.NotificationObject,
		&i.NotificationEvent,
		&i.UserID,
		&i.ClassroomID,
		&i.AssignmentCollections,
		&i.ContentnodeID,
		&i.LessonID,
		&i.QuizID,
		&i.QuizNumCorrect,
		&i.QuizNumAnswered,
		&i.Reason,
		&i.Timestamp,
	)
	return i, err
}

// ListClassroomNotificationsParams は教室の通知一覧取得のパラメータ。
type ListClassroomNotificationsParams struct {
	// ClassroomID は必須。
	ClassroomID string
	// After が0より大きい場合、IDがAfterより大きい通知をID昇順で返す。
	After int64
	// Before が0より大きい場合、IDがBeforeより小さい通知に限定する。
	Before int64
	// LearnerID が空でない場合、その学習者の通知に限定する。
	LearnerID string
	// CollectionID が空でない場合、割り当て先に含む通知に限定する。
	CollectionID string
	// Limit は取得件数の上限。0以下の場合は上限なし。
	Limit int
}

// ListClassroomNotifications は教室の通知一覧を取得する。
// Afterが指定された場合はID昇順、それ以外はID降順で返す。
func (q *Queries) ListClassroomNotifications(ctx context.Context, arg ListClassroomNotificationsParams) ([]LearnerProgressNotification, error) {
	var (
		where = []string{"classroom_id = ?"}
		args  = []any{arg.ClassroomID}
	)
	if arg.After > 0 {
		where = append(where, "id > ?")
		args = append(args, arg.After)
	}
	if arg.Before > 0 {
		where = append(where, "id < ?")
		args = append(args, arg.Before)
	}
	if arg.LearnerID != "" {
		where = append(where, "user_id = ?")
		args = append(args, arg.LearnerID)
	}
	if arg.CollectionID != "" {
		// コレクションIDは正規化済みのため、JSON配列内の文字列一致で判定できる
		where = append(where, "assignment_collections LIKE ?")
		args = append(args, `%"`+arg.CollectionID+`"%`)
	}

	order := "DESC"
	if arg.After > 0 {
		order = "ASC"
	}

	query := fmt.Sprintf(`SELECT %s
FROM notifications_learnerprogressnotification
WHERE %s
ORDER BY id %s`, lpnColumns, strings.Join(where, " AND "), order)
	if arg.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, arg.Limit)
	}

	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []LearnerProgressNotification
	for rows.Next() {
		var i LearnerProgressNotification
		if err := rows.Scan(
			&i.ID,
			&i.NotificationObject,
			&i.NotificationEvent,
			&i.UserID,
			&i.ClassroomID,
			&i.AssignmentCollections,
			&i.ContentnodeID,
			&i.LessonID,
			&i.QuizID,
			&i.QuizNumCorrect,
			&i.QuizNumAnswered,
			&i.Reason,
			&i.Timestamp,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deleteNotificationsBefore = `DELETE FROM notifications_learnerprogressnotification
WHERE timestamp < ?`

// DeleteNotificationsBefore は指定日時より前の通知を削除し、削除件数を返す。
func (q *Queries) DeleteNotificationsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(deleteNotificationsBefore), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const createNotificationsLog = `INSERT INTO notifications_notificationslog (coach_id, timestamp)
VALUES (?, ?)`

// CreateNotificationsLog はコーチの通知取得ログを1件作成し、採番されたIDを返す。
func (q *Queries) CreateNotificationsLog(ctx context.Context, coachID string, ts time.Time) (int64, error) {
	return q.insertReturningID(ctx, createNotificationsLog, coachID, ts.UTC())
}

const countCoachesPolling = `SELECT COUNT(DISTINCT coach_id)
FROM notifications_notificationslog
WHERE timestamp >= ?`

// CountCoachesPolling は指定日時以降に通知を取得したコーチの人数を返す。
func (q *Queries) CountCoachesPolling(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, q.dialect.Rebind(countCoachesPolling), since.UTC()).Scan(&n)
	return n, err
}

const deleteNotificationsLogBefore = `DELETE FROM notifications_notificationslog
WHERE timestamp < ?`

// DeleteNotificationsLogBefore は指定日時より前の通知取得ログを削除し、削除件数を返す。
func (q *Queries) DeleteNotificationsLogBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(deleteNotificationsLogBefore), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
