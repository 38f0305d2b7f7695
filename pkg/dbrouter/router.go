package dbrouter

// DefaultAlias はすべてのルーターが意見を持たない場合に使用する接続名。
const DefaultAlias = "default"

// Model はルーティング対象となる永続化モデル。
type Model interface {
	// AppLabel はモデルが属するアプリケーションのラベルを返す。
	AppLabel() string
}

// Decision は許可判定の結果を表す三値。
type Decision int

const (
	// NoOpinion は判断を後続のルーターに委ねることを表す。
	NoOpinion Decision = iota
	// Allow は許可を表す。
	Allow
	// Deny は拒否を表す。
	Deny
)

// String はログ出力用の表現を返す。
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "no-opinion"
	}
}

// Router はモデル単位でデータベースの振り分けを決定する。
type Router interface {
	// DBForRead は読み取り先の接続名を返す。意見がない場合はokがfalse。
	DBForRead(m Model) (alias string, ok bool)
	// DBForWrite は書き込み先の接続名を返す。意見がない場合はokがfalse。
	DBForWrite(m Model) (alias string, ok bool)
	// AllowRelation は2つのモデル間のリレーションを許可するかを返す。
	AllowRelation(a, b Model) Decision
	// AllowMigrate はアプリのマイグレーションを指定の接続に適用するかを返す。
	AllowMigrate(db, appLabel string) Decision
}
