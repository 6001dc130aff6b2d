package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sonet-app/timeline/internal/timeline"
)

const (
	wsWriteDeadline = 10 * time.Second
	wsReadLimit     = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth happens before the upgrade; browser origin is not the
	// trust boundary here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSink adapts a websocket connection to the hub's delivery interface.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Write(upd timeline.Update) error {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	return s.conn.WriteJSON(upd)
}

// Subscribe serves GET /v1/timeline/{viewer_id}/updates: upgrades to a
// websocket and streams slate updates until either side hangs up.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	viewerID := mux.Vars(r)["viewer_id"]
	if err := h.svc.AuthorizeStream(viewerID, metadataFrom(r)); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn().Err(err).Str("viewer_id", viewerID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	session := h.hub.Subscribe(viewerID)
	defer session.Close()

	log.Debug().
		Str("viewer_id", viewerID).
		Str("request_id", requestIDFrom(r.Context())).
		Msg("stream session opened")

	// Drain client frames so pings are answered and closes are noticed.
	conn.SetReadLimit(wsReadLimit)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				session.Close()
				return
			}
		}
	}()

	if err := session.Run(r.Context(), &wsSink{conn: conn}); err != nil {
		log.Debug().Err(err).Str("viewer_id", viewerID).Msg("stream session ended")
	}
}
