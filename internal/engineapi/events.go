package engineapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/foldtale/foldtale/internal/event"
	"github.com/foldtale/foldtale/internal/util/httputil"
	"github.com/foldtale/foldtale/internal/util/slogx"
	"github.com/foldtale/foldtale/internal/util/websockutil"
)

type EventsOptions struct {
	Websocket websockutil.Options `toml:"websocket"`

	// WriteRate limits how many events per second a single subscriber
	// receives; excess events are dropped rather than queued.
	WriteRate  float64 `toml:"write-rate"`
	WriteBurst int     `toml:"write-burst"`
}

func (o *EventsOptions) FillDefaults() {
	o.Websocket.FillDefaults()
	if o.WriteRate == 0.0 {
		o.WriteRate = 20.0
	}
	if o.WriteBurst == 0 {
		o.WriteBurst = 40
	}
}

type eventsHandler struct {
	bus     *event.Bus
	factory *websockutil.SessionFactory
	o       EventsOptions
	log     *slog.Logger
}

func (h *eventsHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	req = httputil.WrapRequest(req)
	log := h.log.With(
		slog.String("addr", req.RemoteAddr),
		slog.String("rid", httputil.ExtractReqID(req.Context())),
	)
	log.Info("handle events subscription")

	// The event stream is write-only: any incoming message is a
	// protocol violation and drops the session.
	s, err := h.factory.NewSession(w, req, log, func([]byte) error {
		return fmt.Errorf("unexpected client message")
	})
	if err != nil {
		return
	}
	defer s.Close()

	ch, unsub := h.bus.Subscribe()
	defer unsub()

	lim := rate.NewLimiter(rate.Limit(h.o.WriteRate), h.o.WriteBurst)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				s.Shutdown()
				return
			}
			if !lim.Allow() {
				log.Info("dropping event for slow subscriber", slog.String("kind", string(e.Kind)))
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Warn("error marshalling event", slogx.Err(err))
				continue
			}
			if err := s.WriteMsg(websocket.TextMessage, data); err != nil {
				return
			}
		case <-req.Context().Done():
			s.Shutdown()
			return
		case <-s.Done():
			return
		}
	}
}

// RegisterEvents exposes the engine's event stream as a websocket
// endpoint at prefix+"/events".
func RegisterEvents(bus *event.Bus, mux *http.ServeMux, prefix string, o EventsOptions, log *slog.Logger) {
	o.FillDefaults()
	h := &eventsHandler{
		bus:     bus,
		factory: websockutil.NewSessionFactory(o.Websocket),
		o:       o,
		log:     log,
	}
	mux.Handle(prefix+"/events", h)
}
