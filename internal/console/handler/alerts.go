package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xela07ax/siteaudit/internal/console/service"
	"github.com/xela07ax/siteaudit/internal/domain"
	"github.com/xela07ax/siteaudit/internal/infra/auth"
)

const (
	// writeTimeout — дедлайн одной записи клиенту.
	writeTimeout = 10 * time.Second

	// клиент присылает только pong и close
	readLimit = 512

	snapshotLimit = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Токен проверяет middleware до апгрейда, CORS ограничивается на прокси.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage — JSON-конверт каждого кадра ленты.
// Event: snapshot (открытые алерты при подключении), alert (новый алерт),
// resync (лента теряла связь с шиной, клиенту нужно перечитать список).
type StreamMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// AlertReader — снимок открытых алертов при подключении к ленте.
type AlertReader interface {
	List(ctx context.Context, tenantID string, status domain.AlertStatus, limit int) ([]domain.Alert, error)
}

// AlertStreamHandler — живая лента алертов тенанта поверх WebSocket.
type AlertStreamHandler struct {
	feed       *service.AlertFeed
	alerts     AlertReader
	pingPeriod time.Duration
	pongWait   time.Duration
	logger     *zap.Logger
}

// NewAlertStreamHandler: pingPeriod — интервал ping-кадров; клиент, не ответивший
// pong за pingPeriod*10/9, считается отвалившимся.
func NewAlertStreamHandler(feed *service.AlertFeed, alerts AlertReader, pingPeriod time.Duration, logger *zap.Logger) *AlertStreamHandler {
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	return &AlertStreamHandler{
		feed:       feed,
		alerts:     alerts,
		pingPeriod: pingPeriod,
		pongWait:   pingPeriod * 10 / 9,
		logger:     logger.Named("alert-stream"),
	}
}

// GET /v1/alerts/stream (WebSocket)
func (h *AlertStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	// подписываемся до снимка, чтобы не потерять алерт между ними
	sub := h.feed.Subscribe(p.TenantID)
	defer sub.Close()

	// снимок читаем до апгрейда: ошибку хранилища еще можно отдать HTTP-кодом
	active, err := h.alerts.List(r.Context(), p.TenantID, domain.AlertActive, snapshotLimit)
	if err != nil {
		h.logger.Error("failed to load alert snapshot", zap.String("tenant_id", p.TenantID), zap.Error(err))
		http.Error(w, "Failed to fetch alerts", http.StatusInternalServerError)
		return
	}
	if active == nil {
		active = []domain.Alert{}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader уже ответил клиенту
		return
	}
	log := h.logger.With(zap.String("tenant_id", p.TenantID))

	if err := write(conn, StreamMessage{Event: "snapshot", Data: active}); err != nil {
		log.Debug("stream client gone before snapshot", zap.Error(err))
		conn.Close()
		return
	}

	go h.writePump(r.Context(), conn, sub, log)
	h.readPump(conn) // до закрытия соединения
}

// writePump — единственный писатель в conn после снимка: события ленты и ping.
func (h *AlertStreamHandler) writePump(ctx context.Context, conn *websocket.Conn, sub *service.Subscription, log *zap.Logger) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return

		case msg, ok := <-sub.C:
			if !ok {
				// лента отписала медленного клиента; после переподключения он получит свежий снимок
				closeWith(conn, websocket.CloseTryAgainLater, "feed overflow")
				return
			}
			out := StreamMessage{Event: "alert", Data: msg.Event.Alert}
			if msg.Resync {
				out = StreamMessage{Event: "resync", Data: struct{}{}}
			}
			if err := write(conn, out); err != nil {
				log.Debug("stream client gone", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump обрабатывает pong/close и замечает обрыв связи.
func (h *AlertStreamHandler) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(h.pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func write(conn *websocket.Conn, msg StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return conn.WriteJSON(msg)
}

func closeWith(conn *websocket.Conn, code int, text string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))                                 //nolint:errcheck
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text)) //nolint:errcheck
}
