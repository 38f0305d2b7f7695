package db

import (
	"database/sql"
	"time"
)

// LearnerProgressNotification はnotifications_learnerprogressnotificationテーブルの行。
type LearnerProgressNotification struct {
	ID                    int64
	NotificationObject    string
	NotificationEvent     string
	UserID                string
	ClassroomID           string
	AssignmentCollections sql.NullString
	ContentnodeID         sql.NullString
	LessonID              sql.NullString
	QuizID                sql.NullString
	QuizNumCorrect        sql.NullInt64
	QuizNumAnswered       sql.NullInt64
	Reason                string
	Timestamp             time.Time
}

// NotificationsLog はnotifications_notificationslogテーブルの行。
type NotificationsLog struct {
	ID        int64
	CoachID   string
	Timestamp time.Time
}
