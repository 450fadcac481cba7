package broadcast

import (
	"sync"
	"time"

	"github.com/alwitt/meetingcast/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// connWriter owns the write side of one WebSocket connection.
//
// The broadcast loop hands it messages without blocking. A dedicated goroutine performs the
// writes and sends keepalive pings. Once closed, every further message is refused.
type connWriter struct {
	common.Component
	conn         *websocket.Conn
	sendCh       chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	pingInterval time.Duration
	// onFailure is called once from the writer goroutine when a write fails
	onFailure func(reason string)
}

func newConnWriter(
	connectionID string,
	conn *websocket.Conn,
	sendBuffer int,
	writeTimeout, pingInterval time.Duration,
	onFailure func(reason string),
) *connWriter {
	return &connWriter{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "broadcast", "component": "conn-writer", "instance": connectionID,
			},
		},
		conn:         conn,
		sendCh:       make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		onFailure:    onFailure,
	}
}

// enqueue hand one message to the writer. Returns false if the writer is closed or its
// buffer is full. Never blocks.
func (w *connWriter) enqueue(msg []byte) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.sendCh <- msg:
		return true
	default:
		return false
	}
}

// close stop the writer. Messages already buffered are flushed on a best-effort basis.
func (w *connWriter) close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
}

// run the writer loop until closed or a write fails
func (w *connWriter) run(wg *sync.WaitGroup) {
	defer wg.Done()
	pinger := time.NewTicker(w.pingInterval)
	defer pinger.Stop()
	defer func() {
		if err := w.conn.Close(); err != nil {
			log.WithError(err).WithFields(w.LogTags).Debug("Connection close failed")
		}
	}()

	for {
		select {
		case <-w.done:
			w.flush()
			_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
			_ = w.conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return

		case msg := <-w.sendCh:
			if err := w.write(websocket.TextMessage, msg); err != nil {
				w.fail("write failed", err)
				return
			}

		case <-pinger.C:
			if err := w.write(websocket.PingMessage, nil); err != nil {
				w.fail("ping failed", err)
				return
			}
		}
	}
}

func (w *connWriter) write(messageType int, msg []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(messageType, msg)
}

// flush write out whatever is still buffered, stopping at the first failure
func (w *connWriter) flush() {
	for {
		select {
		case msg := <-w.sendCh:
			if err := w.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *connWriter) fail(reason string, err error) {
	log.WithError(err).WithFields(w.LogTags).Info("Connection broken")
	w.close()
	if w.onFailure != nil {
		w.onFailure(reason)
	}
}

// readLoop read client control messages until the connection fails.
//
// Every message is handed to onMessage; onClosed is called once when reading stops.
func readLoop(
	conn *websocket.Conn,
	maxMessageBytes int64,
	pongTimeout time.Duration,
	onMessage func(raw []byte),
	onClosed func(reason string),
	logTags log.Fields,
) {
	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			reason := "connection closed"
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived,
			) {
				log.WithError(err).WithFields(logTags).Info("Connection read failed")
				reason = "read failed"
			}
			onClosed(reason)
			return
		}
		// Any inbound traffic shows the peer is alive
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		onMessage(raw)
	}
}
