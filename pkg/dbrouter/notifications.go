package dbrouter

const (
	// NotificationsAppLabel は通知アプリのラベル。
	NotificationsAppLabel = "notifications"
	// NotificationsAlias は通知アプリ専用の接続名。
	NotificationsAlias = "notifications_db"
)

// NotificationsRouter は通知アプリのモデルを専用データベースへ振り分ける。
// それ以外のモデルについては意見を持たない。
//
// 埋め込みSQLiteでは通知の書き込みがメインDBのロックと競合するため、
// 別ファイルに分離して運用する。
type NotificationsRouter struct{}

var _ Router = NotificationsRouter{}

// DBForRead は通知アプリのモデルの読み取りをnotifications_dbへ送る。
func (NotificationsRouter) DBForRead(m Model) (string, bool) {
	if m.AppLabel() == NotificationsAppLabel {
		return NotificationsAlias, true
	}
	return "", false
}

// DBForWrite は通知アプリのモデルの書き込みをnotifications_dbへ送る。
func (NotificationsRouter) DBForWrite(m Model) (string, bool) {
	if m.AppLabel() == NotificationsAppLabel {
		return NotificationsAlias, true
	}
	return "", false
}

// AllowRelation は通知アプリ内のモデル同士のリレーションのみ許可する。
// 片方だけが通知アプリのモデルである場合は拒否し、どちらも通知アプリでなければ意見を持たない。
func (NotificationsRouter) AllowRelation(a, b Model) Decision {
	aIn := a.AppLabel() == NotificationsAppLabel
	bIn := b.AppLabel() == NotificationsAppLabel
	switch {
	case aIn && bIn:
		return Allow
	case !aIn && !bIn:
		return NoOpinion
	default:
		return Deny
	}
}

// AllowMigrate は通知アプリをnotifications_dbにのみ作成し、
// 他のアプリがnotifications_dbに作成されることを防ぐ。
func (NotificationsRouter) AllowMigrate(db, appLabel string) Decision {
	if appLabel == NotificationsAppLabel {
		if db == NotificationsAlias {
			return Allow
		}
		return Deny
	}
	if db == NotificationsAlias {
		return Deny
	}
	return NoOpinion
}
