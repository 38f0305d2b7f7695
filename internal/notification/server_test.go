package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/learnnotify/pkg/config"
	"github.com/nao1215/learnnotify/pkg/event"
	"github.com/nao1215/learnnotify/pkg/middleware"
)

const testJWTSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// mockEventStore はEvent Storeのモック。受信したイベント追記リクエストを記録する。
type mockEventStore struct {
	mu       sync.Mutex
	requests []appendEventRequest
}

func (m *mockEventStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v1/events" || r.Header.Get("Authorization") != "Bearer es-token" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req appendEventRequest
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprint(w, `{"id":"mock-event-id"}`)
}

func (m *mockEventStore) received() []appendEventRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]appendEventRequest(nil), m.requests...)
}

// setupTestServer はテンポラリディレクトリのSQLiteで通知サーバーを構築する。
// Event Storeのモックサーバーも生成し、テスト終了時にクリーンアップする。
func setupTestServer(t *testing.T) (*Server, *mockEventStore) {
	t.Helper()

	store, _ := setupTestStore(t, nil)

	events := &mockEventStore{}
	eventStore := httptest.NewServer(events)
	t.Cleanup(eventStore.Close)

	s, err := NewServer(config.Config{
		Port:            "0",
		JWTSecret:       testJWTSecret,
		EventStoreURL:   eventStore.URL,
		EventStoreToken: "es-token",
		PollingWindow:   time.Minute,
	}, store)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return s, events
}

// testToken はテスト用のJWTを発行するヘルパー関数。
func testToken(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := middleware.GenerateJWT(testJWTSecret, userID, role, time.Hour)
	if err != nil {
		t.Fatalf("JWTの生成に失敗: %v", err)
	}
	return token
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
// bodyがstringの場合はそのまま送信する。
func doRequest(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewReader(nil)
	case string:
		reqBody = bytes.NewReader([]byte(b))
	default:
		jsonBytes, _ := json.Marshal(b)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// parseJSON はレスポンスボディをmapにデコードするヘルパー関数。
func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	return result
}

// TestNewServer はサーバー生成時の設定検証を確認する。
func TestNewServer(t *testing.T) {
	t.Parallel()

	store, _ := setupTestStore(t, nil)
	if _, err := NewServer(config.Config{}, store); err == nil {
		t.Error("JWTシークレット未設定でエラーが返らなかった")
	}
	if _, err := NewServer(config.Config{JWTSecret: "x"}, nil); err == nil {
		t.Error("ストア未設定でエラーが返らなかった")
	}

	s, err := NewServer(config.Config{Port: "9090", JWTSecret: "x"}, store)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if s.Addr() != ":9090" {
		t.Errorf("Addr() = %q, want :9090", s.Addr())
	}
	if s.pollingWindow != time.Minute {
		t.Errorf("pollingWindow = %v, want 1m", s.pollingWindow)
	}
	if s.events.client != nil {
		t.Error("EVENTSTORE_URL未設定でもクライアントが生成された")
	}
}

// TestHealthCheck はヘルスチェックエンドポイントが全接続の状態を返すことを検証する。
func TestHealthCheck(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t)

	w := doRequest(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}

	result := parseJSON(t, w)
	if result["status"] != "ok" || result["service"] != "notification" {
		t.Errorf("レスポンス: %v", result)
	}
	dbs, ok := result["databases"].(map[string]any)
	if !ok || dbs["default"] != "ok" || dbs["notifications_db"] != "ok" {
		t.Errorf("databases: got %v", result["databases"])
	}
}

// TestHandleCreate は通知作成ハンドラのテスト。
func TestHandleCreate(t *testing.T) {
	t.Parallel()

	t.Run("通知を作成しイベントを発行する", func(t *testing.T) {
		t.Parallel()
		s, events := setupTestServer(t)

		w := doRequest(s, http.MethodPost, "/api/v1/internal/notifications", testToken(t, "svc", middleware.RoleService), map[string]any{
			"object":       "Lesson",
			"event":        "Completed",
			"user_id":      testLearnerID,
			"classroom_id": testClassroomID,
			"lesson_id":    "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}

		id := int64(parseJSON(t, w)["id"].(float64))
		n, err := s.store.GetLearnerProgressNotification(t.Context(), id)
		if err != nil {
			t.Fatalf("作成した通知の取得に失敗: %v", err)
		}
		if n.UserID != testLearnerHex {
			t.Errorf("UserID = %q, want %q", n.UserID, testLearnerHex)
		}
		if n.AssignmentCollections == nil || len(n.AssignmentCollections) != 0 {
			t.Errorf("省略したassignment_collections = %#v, want []", n.AssignmentCollections)
		}

		received := events.received()
		if len(received) != 1 {
			t.Fatalf("イベント数 = %d, want 1", len(received))
		}
		if received[0].EventType != string(event.TypeLearnerProgressNotified) || received[0].AggregateID != testClassroomID {
			t.Errorf("イベント = %+v", received[0])
		}
		data, err := event.DecodeData[event.LearnerProgressNotifiedData](&event.Event{Data: received[0].Data})
		if err != nil {
			t.Fatalf("イベントデータのデコードに失敗: %v", err)
		}
		if data.NotificationID != id || data.Object != "Lesson" || data.Event != "Completed" {
			t.Errorf("イベントデータ = %+v", data)
		}
	})

	t.Run("assignment_collectionsにnullを指定した場合はNULLで保存される", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		body := fmt.Sprintf(`{"user_id":%q,"classroom_id":%q,"assignment_collections":null}`, testLearnerID, testClassroomID)
		w := doRequest(s, http.MethodPost, "/api/v1/internal/notifications", testToken(t, "svc", middleware.RoleService), body)
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}

		n, err := s.store.GetLearnerProgressNotification(t.Context(), int64(parseJSON(t, w)["id"].(float64)))
		if err != nil {
			t.Fatalf("作成した通知の取得に失敗: %v", err)
		}
		if n.AssignmentCollections != nil {
			t.Errorf("AssignmentCollections = %#v, want nil", n.AssignmentCollections)
		}
	})

	t.Run("不正な値はフィールドごとのエラーを返す", func(t *testing.T) {
		t.Parallel()
		s, events := setupTestServer(t)

		w := doRequest(s, http.MethodPost, "/api/v1/internal/notifications", testToken(t, "svc", middleware.RoleService), map[string]any{
			"object":       "Video",
			"user_id":      "learner-1",
			"classroom_id": testClassroomID,
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
		fields, _ := parseJSON(t, w)["fields"].(map[string]any)
		if _, ok := fields["object"]; !ok {
			t.Errorf("object のエラーが無い: %v", fields)
		}
		if _, ok := fields["user_id"]; !ok {
			t.Errorf("user_id のエラーが無い: %v", fields)
		}
		if len(events.received()) != 0 {
			t.Error("検証エラーでもイベントが発行された")
		}
	})

	t.Run("assignment_collectionsが配列でない場合は400", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		body := fmt.Sprintf(`{"user_id":%q,"classroom_id":%q,"assignment_collections":"abc"}`, testLearnerID, testClassroomID)
		w := doRequest(s, http.MethodPost, "/api/v1/internal/notifications", testToken(t, "svc", middleware.RoleService), body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("必須項目が無い場合は400", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		w := doRequest(s, http.MethodPost, "/api/v1/internal/notifications", testToken(t, "svc", middleware.RoleService), map[string]any{
			"object": "Quiz",
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("学習者ロールは403", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		w := doRequest(s, http.MethodPost, "/api/v1/internal/notifications", testToken(t, testLearnerID, middleware.RoleLearner), map[string]any{
			"user_id":      testLearnerID,
			"classroom_id": testClassroomID,
		})
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("トークンが無い場合は401", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		w := doRequest(s, http.MethodPost, "/api/v1/internal/notifications", "", map[string]any{})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleListClassroomNotifications は教室の通知一覧取得ハンドラのテスト。
func TestHandleListClassroomNotifications(t *testing.T) {
	t.Parallel()

	t.Run("一覧と取得中のコーチ数を返し取得ログを記録する", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		first := createTestNotification(t, s.store, LearnerProgressNotification{NotificationObject: ObjectResource, NotificationEvent: EventStarted})
		second := createTestNotification(t, s.store, LearnerProgressNotification{NotificationObject: ObjectResource, NotificationEvent: EventCompleted})

		path := "/api/v1/classrooms/" + testClassroomID + "/notifications"
		w := doRequest(s, http.MethodGet, path, testToken(t, testCoachID, middleware.RoleCoach), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}

		var resp listResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("JSONのデコードに失敗: %v", err)
		}
		if len(resp.Results) != 2 || resp.Results[0].ID != second || resp.Results[1].ID != first {
			t.Errorf("results = %+v", resp.Results)
		}
		if resp.CoachesPolling != 1 {
			t.Errorf("coaches_polling = %d, want 1", resp.CoachesPolling)
		}
		if resp.MoreResults {
			t.Error("more_results = true, want false")
		}

		// 別のコーチの取得で2人になる
		w = doRequest(s, http.MethodGet, path+"?after="+fmt.Sprint(first), testToken(t, "55555555666677778888999999999999", middleware.RoleCoach), nil)
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("JSONのデコードに失敗: %v", err)
		}
		if len(resp.Results) != 1 || resp.Results[0].ID != second {
			t.Errorf("afterを指定した results = %+v", resp.Results)
		}
		if resp.CoachesPolling != 2 {
			t.Errorf("coaches_polling = %d, want 2", resp.CoachesPolling)
		}
	})

	t.Run("limitを超える場合はmore_resultsを返す", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		for range 3 {
			createTestNotification(t, s.store, LearnerProgressNotification{})
		}

		w := doRequest(s, http.MethodGet, "/api/v1/classrooms/"+testClassroomID+"/notifications?limit=2", testToken(t, testCoachID, middleware.RoleAdmin), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		result := parseJSON(t, w)
		if results, _ := result["results"].([]any); len(results) != 2 {
			t.Errorf("results の件数 = %d, want 2", len(results))
		}
		if result["more_results"] != true {
			t.Errorf("more_results = %v, want true", result["more_results"])
		}
	})

	t.Run("UUIDでないコーチでも一覧は返す", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		w := doRequest(s, http.MethodGet, "/api/v1/classrooms/"+testClassroomID+"/notifications", testToken(t, "coach-1", middleware.RoleCoach), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if got := parseJSON(t, w)["coaches_polling"]; got != float64(0) {
			t.Errorf("coaches_polling = %v, want 0", got)
		}
	})

	t.Run("不正なパラメータは400", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)
		token := testToken(t, testCoachID, middleware.RoleCoach)

		for _, path := range []string{
			"/api/v1/classrooms/classroom-1/notifications",
			"/api/v1/classrooms/" + testClassroomID + "/notifications?after=-1",
			"/api/v1/classrooms/" + testClassroomID + "/notifications?limit=abc",
			"/api/v1/classrooms/" + testClassroomID + "/notifications?learner_id=x",
		} {
			if w := doRequest(s, http.MethodGet, path, token, nil); w.Code != http.StatusBadRequest {
				t.Errorf("%s: ステータスコード got %d, want %d", path, w.Code, http.StatusBadRequest)
			}
		}
	})

	t.Run("学習者ロールは403", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		w := doRequest(s, http.MethodGet, "/api/v1/classrooms/"+testClassroomID+"/notifications", testToken(t, testLearnerID, middleware.RoleLearner), nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})
}

// TestHandleGet は通知詳細取得ハンドラのテスト。
func TestHandleGet(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t)
	id := createTestNotification(t, s.store, LearnerProgressNotification{NotificationObject: ObjectHelp, NotificationEvent: EventHelp, Reason: ReasonMultiple})
	token := testToken(t, testCoachID, middleware.RoleCoach)

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "存在する通知を取得できる", path: fmt.Sprintf("/api/v1/notifications/%d", id), want: http.StatusOK},
		{name: "存在しない通知は404", path: "/api/v1/notifications/9999", want: http.StatusNotFound},
		{name: "数値でないIDは400", path: "/api/v1/notifications/abc", want: http.StatusBadRequest},
		{name: "0以下のIDは400", path: "/api/v1/notifications/0", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := doRequest(s, http.MethodGet, tt.path, token, nil)
			if w.Code != tt.want {
				t.Errorf("ステータスコード: got %d, want %d", w.Code, tt.want)
			}
		})
	}

	t.Run("レスポンスのフィールド", func(t *testing.T) {
		t.Parallel()
		result := parseJSON(t, doRequest(s, http.MethodGet, fmt.Sprintf("/api/v1/notifications/%d", id), token, nil))
		if result["object"] != "Help" || result["event"] != "HelpNeeded" || result["reason"] != "MultipleUnsuccessfulAttempts" {
			t.Errorf("レスポンス = %v", result)
		}
		if result["user_id"] != testLearnerHex {
			t.Errorf("user_id = %v, want %s", result["user_id"], testLearnerHex)
		}
	})
}

// TestHandlePurge は古い通知の削除ハンドラのテスト。
func TestHandlePurge(t *testing.T) {
	t.Parallel()

	t.Run("古い通知を削除しイベントを発行する", func(t *testing.T) {
		t.Parallel()
		s, events := setupTestServer(t)

		createTestNotification(t, s.store, LearnerProgressNotification{Timestamp: fixedNow.Add(-10 * 24 * time.Hour)})
		createTestNotification(t, s.store, LearnerProgressNotification{})

		w := doRequest(s, http.MethodPost, "/api/v1/internal/notifications/purge", testToken(t, "ops", middleware.RoleAdmin), map[string]any{
			"older_than_days": 7,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
		result := parseJSON(t, w)
		if result["notifications_deleted"] != float64(1) || result["logs_deleted"] != float64(0) {
			t.Errorf("レスポンス = %v", result)
		}

		received := events.received()
		if len(received) != 1 || received[0].EventType != string(event.TypeNotificationsPurged) {
			t.Fatalf("イベント = %+v", received)
		}
		data, err := event.DecodeData[event.NotificationsPurgedData](&event.Event{Data: received[0].Data})
		if err != nil {
			t.Fatalf("イベントデータのデコードに失敗: %v", err)
		}
		if want := fixedNow.Add(-7 * 24 * time.Hour); !data.Before.Equal(want) {
			t.Errorf("Before = %v, want %v", data.Before, want)
		}
	})

	t.Run("日数が不正な場合は400", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		w := doRequest(s, http.MethodPost, "/api/v1/internal/notifications/purge", testToken(t, "ops", middleware.RoleAdmin), map[string]any{
			"older_than_days": 0,
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestMetrics はメトリクスエンドポイントに通知サービスの集計が出力されることを検証する。
func TestMetrics(t *testing.T) {
	t.Parallel()

	t.Run("作成と取得が集計される", func(t *testing.T) {
		t.Parallel()
		s, _ := setupTestServer(t)

		doRequest(s, http.MethodPost, "/api/v1/internal/notifications", testToken(t, "svc", middleware.RoleService), map[string]any{
			"object":       "Lesson",
			"event":        "Completed",
			"user_id":      testLearnerID,
			"classroom_id": testClassroomID,
		})
		doRequest(s, http.MethodGet, "/api/v1/classrooms/"+testClassroomID+"/notifications", testToken(t, testCoachID, middleware.RoleCoach), nil)

		w := doRequest(s, http.MethodGet, "/metrics", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		body := w.Body.String()
		for _, want := range []string{
			`learnnotify_notifications_created_total{event="Completed",object="Lesson"} 1`,
			`learnnotify_notification_polls_total 1`,
			`learnnotify_coaches_polling 1`,
			`go_sql_open_connections{db_name="notifications_db"}`,
		} {
			if !strings.Contains(body, want) {
				t.Errorf("メトリクスに %q が含まれない", want)
			}
		}
	})

	t.Run("Event Storeへの送信失敗は作成を妨げず集計される", func(t *testing.T) {
		t.Parallel()

		store, _ := setupTestStore(t, nil)
		down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(down.Close)

		s, err := NewServer(config.Config{JWTSecret: testJWTSecret, EventStoreURL: down.URL}, store)
		if err != nil {
			t.Fatalf("NewServer() error = %v", err)
		}

		w := doRequest(s, http.MethodPost, "/api/v1/internal/notifications", testToken(t, "svc", middleware.RoleService), map[string]any{
			"user_id":      testLearnerID,
			"classroom_id": testClassroomID,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
		if body := doRequest(s, http.MethodGet, "/metrics", "", nil).Body.String(); !strings.Contains(body, "learnnotify_event_publish_failures_total 1") {
			t.Error("送信失敗が集計されていない")
		}
	})
}
