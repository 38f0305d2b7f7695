package dbrouter

// EngineSQLite は埋め込みSQLiteエンジンを表すエンジン名。
const EngineSQLite = "sqlite"

// Chain は順序付きのルーター列。先頭から問い合わせ、最初の意見を採用する。
type Chain []Router

// Configure はdefaultデータベースのエンジンに応じてルーター列を調整する。
// SQLite以外のエンジンでは通知用の専用データベースを使わないため、
// NotificationsRouterを取り除く。その他のルーターは順序を保って残す。
func Configure(engine string, routers ...Router) Chain {
	chain := make(Chain, 0, len(routers))
	for _, r := range routers {
		if engine != EngineSQLite && isNotificationsRouter(r) {
			continue
		}
		chain = append(chain, r)
	}
	return chain
}

func isNotificationsRouter(r Router) bool {
	switch r.(type) {
	case NotificationsRouter, *NotificationsRouter:
		return true
	}
	return false
}

// HasNotificationsRouter はチェーンにNotificationsRouterが含まれるかを返す。
func (c Chain) HasNotificationsRouter() bool {
	for _, r := range c {
		if isNotificationsRouter(r) {
			return true
		}
	}
	return false
}

// DBForRead は読み取り先の接続名を返す。
func (c Chain) DBForRead(m Model) string {
	for _, r := range c {
		if alias, ok := r.DBForRead(m); ok {
			return alias
		}
	}
	return DefaultAlias
}

// DBForWrite は書き込み先の接続名を返す。
func (c Chain) DBForWrite(m Model) string {
	for _, r := range c {
		if alias, ok := r.DBForWrite(m); ok {
			return alias
		}
	}
	return DefaultAlias
}

// AllowRelation はリレーションの可否を返す。
// すべてのルーターが意見を持たない場合は、両モデルの書き込み先が同じであれば許可する。
func (c Chain) AllowRelation(a, b Model) bool {
	for _, r := range c {
		switch r.AllowRelation(a, b) {
		case Allow:
			return true
		case Deny:
			return false
		}
	}
	return c.DBForWrite(a) == c.DBForWrite(b)
}

// AllowMigrate はマイグレーションの可否を返す。
// すべてのルーターが意見を持たない場合は許可する。
func (c Chain) AllowMigrate(db, appLabel string) bool {
	for _, r := range c {
		switch r.AllowMigrate(db, appLabel) {
		case Allow:
			return true
		case Deny:
			return false
		}
	}
	return true
}
