package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type Server struct {
	broker       *Broker
	publishKey   string
	subscribeKey string
	pollTimeout  time.Duration
	upgrader     websocket.Upgrader
}

type ServerOptions struct {
	PublishKey   string
	SubscribeKey string
	PollTimeout  time.Duration
}

func NewServer(b *Broker, opts ServerOptions) *Server {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second * 30
	}
	return &Server{
		broker:       b,
		publishKey:   opts.PublishKey,
		subscribeKey: opts.SubscribeKey,
		pollTimeout:  opts.PollTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the broker routes. When www is set the directory is served for everything else so the browser
// client can be loaded from the same origin.
func (s *Server) Router(www string) *mux.Router {
	r := mux.NewRouter()
	r.UseEncodedPath()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			writer.Header().Set("Access-Control-Allow-Origin", "*")
			handler.ServeHTTP(writer, request)
		})
	})

	r.Methods(http.MethodGet).Path("/publish/{pub}/{sub}/0/{channel}/0/{message}").HandlerFunc(s.publish)
	r.Methods(http.MethodGet).Path("/v2/subscribe/{sub}/{channel}/0/{cursor:.*}").HandlerFunc(s.subscribe)
	r.Methods(http.MethodGet).Path("/v2/stream/{sub}/{channel}/{cursor:.*}").HandlerFunc(s.stream)
	if www != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(www)))
	}
	return r
}

func writeJSON(writer http.ResponseWriter, status int, body interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(writer http.ResponseWriter, status int, message string) {
	writeJSON(writer, status, map[string]interface{}{"error": true, "message": message})
}

// vars unescapes the raw path variables of the request.
func vars(request *http.Request) (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range mux.Vars(request) {
		u, err := url.PathUnescape(v)
		if err != nil {
			return nil, err
		}
		out[k] = u
	}
	return out, nil
}

func (s *Server) keysMatch(pub, sub string, checkPub bool) bool {
	if s.subscribeKey != "" && sub != s.subscribeKey {
		return false
	}
	if checkPub && s.publishKey != "" && pub != s.publishKey {
		return false
	}
	return true
}

func (s *Server) publish(writer http.ResponseWriter, request *http.Request) {
	v, err := vars(request)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	if !s.keysMatch(v["pub"], v["sub"], true) {
		writeError(writer, http.StatusForbidden, "invalid keys")
		return
	}
	sent, err := s.broker.Publish(v["channel"], json.RawMessage(v["message"]))
	if err != nil {
		if errors.Is(err, ErrBadPayload) {
			writeError(writer, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to publish", "err", err)
		writeError(writer, http.StatusInternalServerError, "failed to publish")
		return
	}
	writeJSON(writer, http.StatusOK, map[string]interface{}{
		"sent": sent,
		"time": strconv.FormatUint(s.broker.Tip(), 10),
	})
}

type frame struct {
	T struct {
		T string `json:"t"`
	} `json:"t"`
	M []map[string]json.RawMessage `json:"m"`
}

func newFrame(cursor uint64, payloads []json.RawMessage) frame {
	var f frame
	f.T.T = strconv.FormatUint(cursor, 10)
	f.M = make([]map[string]json.RawMessage, 0, len(payloads))
	for _, p := range payloads {
		f.M = append(f.M, map[string]json.RawMessage{"d": p})
	}
	return f
}

func (s *Server) subscribe(writer http.ResponseWriter, request *http.Request) {
	v, err := vars(request)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	if !s.keysMatch("", v["sub"], false) {
		writeError(writer, http.StatusForbidden, "invalid keys")
		return
	}
	cursor, err := s.broker.ParseCursor(v["cursor"])
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	next, payloads, err := s.broker.Wait(request.Context(), v["channel"], cursor, s.pollTimeout)
	if err != nil {
		slog.Info("subscriber went away", "channel", v["channel"], "err", err)
		return
	}
	writeJSON(writer, http.StatusOK, newFrame(next, payloads))
}

func (s *Server) stream(writer http.ResponseWriter, request *http.Request) {
	v, err := vars(request)
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}
	if !s.keysMatch("", v["sub"], false) {
		writeError(writer, http.StatusForbidden, "invalid keys")
		return
	}
	cursor, err := s.broker.ParseCursor(v["cursor"])
	if err != nil {
		writeError(writer, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(request.Context())
	defer cancel()

	// the client never sends anything, reading only notices when it goes away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		next, payloads, err := s.broker.Wait(ctx, v["channel"], cursor, s.pollTimeout)
		if err != nil {
			slog.Info("stream closed", "channel", v["channel"], "err", err)
			return
		}
		if err := conn.WriteJSON(newFrame(next, payloads)); err != nil {
			slog.Error("failed to write frame", "err", err)
			return
		}
		cursor = next
	}
}
