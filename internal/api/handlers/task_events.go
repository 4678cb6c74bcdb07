package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/config-analysis/internal/domain"
)

const writeWait = 10 * time.Second

// TaskEvent 推送给前端的任务状态消息
type TaskEvent struct {
	Type      string `json:"type"`
	Task      gin.H  `json:"task"`
	TaskID    string `json:"-"`
	Timestamp int64  `json:"timestamp"`
}

// TaskEventHandler 任务状态 WebSocket 推送
type TaskEventHandler struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]string // 连接 -> 订阅的任务 ID（空表示全部）
	clientMutex sync.RWMutex
	broadcast   chan TaskEvent
}

// NewTaskEventHandler 创建任务事件处理器
func NewTaskEventHandler(logger *logrus.Logger) *TaskEventHandler {
	return &TaskEventHandler{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan TaskEvent, 100),
	}
}

// Start 启动广播服务
func (h *TaskEventHandler) Start(ctx context.Context) {
	go h.runBroadcaster(ctx)
}

// runBroadcaster 运行广播器
func (h *TaskEventHandler) runBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *TaskEventHandler) deliver(msg TaskEvent) {
	var failed []*websocket.Conn

	h.clientMutex.RLock()
	for conn, taskID := range h.clients {
		if taskID != "" && taskID != msg.TaskID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			failed = append(failed, conn)
		}
	}
	h.clientMutex.RUnlock()

	if len(failed) > 0 {
		h.clientMutex.Lock()
		for _, conn := range failed {
			conn.Close()
			delete(h.clients, conn)
		}
		h.clientMutex.Unlock()
	}
}

func (h *TaskEventHandler) closeAll() {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket 处理 WebSocket 连接
// GET /ws/tasks       订阅全部任务
// GET /ws/tasks/:id   只订阅指定任务
func (h *TaskEventHandler) HandleWebSocket(c *gin.Context) {
	taskID := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	h.clientMutex.Lock()
	h.clients[conn] = taskID
	h.clientMutex.Unlock()

	h.logger.WithField("task_id", taskID).Info("WebSocket client connected")

	// 只读取以检测断开，客户端消息被忽略
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.clientMutex.Lock()
	delete(h.clients, conn)
	h.clientMutex.Unlock()

	h.logger.WithField("task_id", taskID).Info("WebSocket client disconnected")
}

// BroadcastTask 广播任务状态（实现 worker.TaskBroadcaster）
func (h *TaskEventHandler) BroadcastTask(task *domain.Task) {
	msg := TaskEvent{
		Type:      "task_update",
		Task:      taskToResponse(task),
		TaskID:    task.ID,
		Timestamp: time.Now().Unix(),
	}

	select {
	case h.broadcast <- msg:
		h.logger.WithFields(logrus.Fields{
			"task_id": task.ID,
			"status":  task.Status,
		}).Debug("Task event broadcasted")
	default:
		h.logger.Warn("Broadcast channel is full, dropping task event")
	}
}

// ClientCount 当前连接数
func (h *TaskEventHandler) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}
