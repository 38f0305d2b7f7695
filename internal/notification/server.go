package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/learnnotify/pkg/config"
	"github.com/nao1215/learnnotify/pkg/event"
	"github.com/nao1215/learnnotify/pkg/httpclient"
	"github.com/nao1215/learnnotify/pkg/metrics"
	"github.com/nao1215/learnnotify/pkg/middleware"
)

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store は通知アプリのモデルの永続化層。
	store *Store
	// events はEvent Storeへのイベント送信。
	events eventPublisher
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// jwtSecret はJWT検証用のシークレット。
	jwtSecret string
	// pollingWindow はポーリング中とみなすコーチの判定期間。
	pollingWindow time.Duration
}

// NewServer は新しい通知サーバーを生成する。
// storeはマイグレーション適用済みである必要がある。
func NewServer(cfg config.Config, store *Store) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWTシークレットが設定されていません")
	}
	if store == nil {
		return nil, fmt.Errorf("ストアが初期化されていません")
	}

	m := metrics.New()
	for _, alias := range store.registry.Aliases() {
		conn, err := store.registry.Conn(alias)
		if err != nil {
			return nil, err
		}
		if err := m.RegisterDB(alias, conn.DB); err != nil {
			return nil, fmt.Errorf("%s の接続プール統計の登録に失敗: %w", alias, err)
		}
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(m.Middleware())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(middleware.CORS(cfg.AllowedOrigins))
	}

	s := &Server{
		router:        router,
		port:          cfg.Port,
		store:         store,
		metrics:       m,
		jwtSecret:     cfg.JWTSecret,
		pollingWindow: cfg.PollingWindow,
	}
	if s.pollingWindow <= 0 {
		s.pollingWindow = time.Minute
	}
	s.events.failures = m.EventPublishFailures
	if cfg.EventStoreURL != "" {
		s.events.client = httpclient.New(cfg.EventStoreURL, httpclient.WithBearerToken(cfg.EventStoreToken))
	}
	s.setupRoutes()

	return s, nil
}

// Handler はHTTPハンドラとしてのルーターを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr はリッスンアドレスを返す。
func (s *Server) Addr() string {
	return fmt.Sprintf(":%s", s.port)
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.jwtSecret))
	{
		coach := api.Group("")
		coach.Use(middleware.RequireRole(middleware.RoleCoach, middleware.RoleAdmin))
		{
			// 教室の通知一覧取得（取得ログを記録する）
			coach.GET("/classrooms/:classroom_id/notifications", s.handleListClassroomNotifications())
			// 通知の詳細取得
			coach.GET("/notifications/:id", s.handleGet())
		}

		// 内部API（通知生成処理・運用ジョブから呼び出される）
		internal := api.Group("/internal")
		internal.Use(middleware.RequireRole(middleware.RoleService, middleware.RoleAdmin))
		{
			internal.POST("/notifications", s.handleCreate())
			internal.POST("/notifications/purge", s.handlePurge())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	// メトリクス
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// handleHealth は全データベース接続の状態を返すハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := s.store.registry.Health(c.Request.Context())
		if err != nil {
			log.Printf("ヘルスチェックエラー: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "service": "notification", "databases": status})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification", "databases": status})
	}
}

// listResponse は通知一覧のJSONレスポンス構造。
type listResponse struct {
	// Results は取得した通知。
	Results []LearnerProgressNotification `json:"results"`
	// CoachesPolling は直近に通知を取得したコーチの人数。
	CoachesPolling int64 `json:"coaches_polling"`
	// MoreResults は続きの通知が存在するかどうか。
	MoreResults bool `json:"more_results"`
}

// handleListClassroomNotifications は教室の通知一覧を返すハンドラ。
// 呼び出したコーチの取得ログを記録し、ポーリング中のコーチ数を合わせて返す。
func (s *Server) handleListClassroomNotifications() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := ListFilter{
			ClassroomID:  c.Param("classroom_id"),
			LearnerID:    c.Query("learner_id"),
			CollectionID: c.Query("group_id"),
		}

		var err error
		if filter.After, err = queryInt64(c, "after"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if filter.Before, err = queryInt64(c, "before"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		limit, err := queryInt64(c, "limit")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Limit = int(min(limit, MaxListLimit))

		ctx := c.Request.Context()
		result, err := s.store.ListClassroomNotifications(ctx, filter)
		if err != nil {
			s.respondError(c, err, "通知一覧の取得に失敗しました")
			return
		}

		if _, err := s.store.RecordPoll(ctx, middleware.GetUserID(c)); err != nil {
			// コーチIDがUUIDでない場合も一覧自体は返す
			log.Printf("通知取得ログの記録に失敗: %v", err)
		} else {
			s.metrics.Polls.Inc()
		}

		polling, err := s.store.CoachesPolling(ctx, s.pollingWindow)
		if err != nil {
			s.respondError(c, err, "ポーリング中のコーチ数の取得に失敗しました")
			return
		}
		s.metrics.CoachesPolling.Set(float64(polling))

		c.JSON(http.StatusOK, listResponse{
			Results:        result.Notifications,
			CoachesPolling: polling,
			MoreResults:    result.MoreResults,
		})
	}
}

// handleGet は通知の詳細を返すハンドラ。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "通知IDは正の整数で指定してください"})
			return
		}

		n, err := s.store.GetLearnerProgressNotification(c.Request.Context(), id)
		if err != nil {
			s.respondError(c, err, "通知の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

// createRequest は通知作成リクエストのJSON構造。
type createRequest struct {
	// Object は通知の対象オブジェクトの種類。
	Object ObjectType `json:"object"`
	// Event は進捗イベントの種類。
	Event EventType `json:"event"`
	// UserID は学習者のID。
	UserID string `json:"user_id" binding:"required"`
	// ClassroomID は教室のID。
	ClassroomID string `json:"classroom_id" binding:"required"`
	// AssignmentCollections は割り当て先コレクションIDの配列。
	// 省略時は空配列、nullを明示した場合はNULLとして保存する。
	AssignmentCollections json.RawMessage `json:"assignment_collections"`
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
	// Timestamp はイベントの発生日時。省略時は現在時刻。
	Timestamp *time.Time `json:"timestamp"`
}

// toModel はリクエストを通知モデルに変換する。
func (r createRequest) toModel() (LearnerProgressNotification, error) {
	n := LearnerProgressNotification{
		NotificationObject: r.Object,
		NotificationEvent:  r.Event,
		UserID:             r.UserID,
		ClassroomID:        r.ClassroomID,
		ContentNodeID:      r.ContentNodeID,
		LessonID:           r.LessonID,
		QuizID:             r.QuizID,
		QuizNumCorrect:     r.QuizNumCorrect,
		QuizNumAnswered:    r.QuizNumAnswered,
		Reason:             r.Reason,
	}
	if r.Timestamp != nil {
		n.Timestamp = *r.Timestamp
	}

	switch {
	case len(r.AssignmentCollections) == 0:
		n.AssignmentCollections = []string{}
	case string(r.AssignmentCollections) == "null":
		n.AssignmentCollections = nil
	default:
		if err := json.Unmarshal(r.AssignmentCollections, &n.AssignmentCollections); err != nil {
			return LearnerProgressNotification{}, &ValidationError{Fields: map[string]string{
				"assignment_collections": "文字列の配列で指定してください",
			}}
		}
		if n.AssignmentCollections == nil {
			n.AssignmentCollections = []string{}
		}
	}
	return n, nil
}

// handleCreate は学習者進捗通知を作成しLearnerProgressNotifiedイベントを発行するハンドラ。
func (s *Server) handleCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		n, err := req.toModel()
		if err != nil {
			s.respondError(c, err, "")
			return
		}

		ctx := c.Request.Context()
		if err := s.store.CreateLearnerProgressNotification(ctx, &n); err != nil {
			s.respondError(c, err, "通知の作成に失敗しました")
			return
		}

		s.metrics.NotificationsCreated.WithLabelValues(string(n.NotificationObject), string(n.NotificationEvent)).Inc()
		s.events.publish(ctx, n.ClassroomID, event.TypeLearnerProgressNotified, event.LearnerProgressNotifiedData{
			NotificationID: n.ID,
			Object:         string(n.NotificationObject),
			Event:          string(n.NotificationEvent),
			UserID:         n.UserID,
			Timestamp:      n.Timestamp,
		})

		c.JSON(http.StatusCreated, gin.H{
			"id":      n.ID,
			"message": "通知を作成しました",
		})
	}
}

// purgeRequest は古い通知の削除リクエストのJSON構造。
type purgeRequest struct {
	// OlderThanDays はこの日数より前のレコードを削除する。
	OlderThanDays int `json:"older_than_days" binding:"required,min=1"`
}

// handlePurge は古い通知と通知取得ログを削除するハンドラ。
func (s *Server) handlePurge() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req purgeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		olderThan := time.Duration(req.OlderThanDays) * 24 * time.Hour
		ctx := c.Request.Context()
		result, err := s.store.Purge(ctx, olderThan)
		if err != nil {
			s.respondError(c, err, "古い通知の削除に失敗しました")
			return
		}

		s.metrics.Purged.WithLabelValues("notifications").Add(float64(result.Notifications))
		s.metrics.Purged.WithLabelValues("logs").Add(float64(result.Logs))
		s.events.publish(ctx, "all", event.TypeNotificationsPurged, event.NotificationsPurgedData{
			Before:               s.store.now().Add(-olderThan),
			NotificationsDeleted: result.Notifications,
			LogsDeleted:          result.Logs,
		})

		c.JSON(http.StatusOK, result)
	}
}

// respondError はエラーの種類に応じたステータスコードでレスポンスを返す。
func (s *Server) respondError(c *gin.Context, err error, msg string) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrValidation.Error(), "fields": ve.Fields})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNotFound.Error()})
	default:
		log.Printf("%s: %v", msg, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// queryInt64 はクエリパラメータを0以上の整数として取得する。未指定の場合は0。
func queryInt64(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%sは0以上の整数で指定してください", key)
	}
	return v, nil
}
