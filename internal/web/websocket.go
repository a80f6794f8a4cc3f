package web

import (
	"strings"
	"sync"
	"time"

	"Parlor/internal/game"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const closeWriteWait = time.Second

// wsLineConn carries one protocol line per text frame.
type wsLineConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

func (w *wsLineConn) ReadLine() (string, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(strings.TrimRight(string(data), "\r\n"), ""), nil
}

func (w *wsLineConn) WriteLine(line string) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (w *wsLineConn) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}

func (w *wsLineConn) Close() error {
	var err error
	w.once.Do(func() {
		w.wmu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteWait))
		w.wmu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("failed to upgrade websocket connection", zap.Error(err))
		return
	}
	peer := game.WebSocketConnection(c.Request.RemoteAddr)
	s.log.Info("websocket client connected", zap.Stringer("conn", peer))
	if err := s.lines.Attach(&wsLineConn{conn: conn}, peer); err != nil {
		s.log.Info("websocket session ended", zap.Stringer("conn", peer), zap.Error(err))
	}
}
