package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/config-analysis/internal/domain"
)

func dialEvents(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

// TestTaskEventHandler_Broadcast 按任务 ID 过滤推送
func TestTaskEventHandler_Broadcast(t *testing.T) {
	events := NewTaskEventHandler(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events.Start(ctx)

	router := setupTestRouter()
	router.GET("/ws/tasks", events.HandleWebSocket)
	router.GET("/ws/tasks/:id", events.HandleWebSocket)
	server := httptest.NewServer(router)
	defer server.Close()

	all := dialEvents(t, server, "/ws/tasks")
	defer all.Close()
	single := dialEvents(t, server, "/ws/tasks/task-b")
	defer single.Close()

	require.Eventually(t, func() bool { return events.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	events.BroadcastTask(&domain.Task{ID: "task-a", Status: domain.TaskStatusRunning})
	events.BroadcastTask(&domain.Task{ID: "task-b", Status: domain.TaskStatusCompleted})

	var msg map[string]interface{}

	// 订阅全部的客户端按顺序收到两条
	require.NoError(t, all.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, all.ReadJSON(&msg))
	assert.Equal(t, "task_update", msg["type"])
	assert.Equal(t, "task-a", msg["task"].(map[string]interface{})["id"])
	require.NoError(t, all.ReadJSON(&msg))
	assert.Equal(t, "task-b", msg["task"].(map[string]interface{})["id"])

	// 订阅单个任务的客户端只收到 task-b
	require.NoError(t, single.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, single.ReadJSON(&msg))
	task := msg["task"].(map[string]interface{})
	assert.Equal(t, "task-b", task["id"])
	assert.Equal(t, "completed", task["status"])

	require.NoError(t, single.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	assert.Error(t, single.ReadJSON(&msg), "no further events for task-b")
}

// TestTaskEventHandler_Disconnect 断开的客户端被移除
func TestTaskEventHandler_Disconnect(t *testing.T) {
	events := NewTaskEventHandler(testLogger())

	router := setupTestRouter()
	router.GET("/ws/tasks", events.HandleWebSocket)
	server := httptest.NewServer(router)
	defer server.Close()

	conn := dialEvents(t, server, "/ws/tasks")
	require.Eventually(t, func() bool { return events.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return events.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
