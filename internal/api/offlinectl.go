package api

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"

	"github.com/bcmapp/bcm-server-sub002/internal/model"
	"github.com/bcmapp/bcm-server-sub002/internal/push"
)

// NewOfflineMux serves spec.md §6's two inter-node endpoints as a plain
// net/http mux, matching the teacher's split between its gin-routed public
// API and a narrower internal mux for node-to-node traffic. Wrapped in
// gorilla/handlers' logging and panic recovery, since these calls never
// pass through the public router's gin middleware stack.
func NewOfflineMux(pushSvc *push.Service, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/offline/pushmsg", handlePushMsg(pushSvc))
	mux.HandleFunc("/v1/offline/notifications", handleNotifications(pushSvc))

	return handlers.LoggingHandler(slogWriter{log}, handlers.RecoveryHandler()(mux))
}

type offlineTarget struct {
	UID  string                `json:"uid"`
	Push model.PushRegistration `json:"push"`
}

type pushMsgRequest struct {
	GID         uint64          `json:"gid"`
	MID         uint64          `json:"mid"`
	From        string          `json:"from"`
	ContentType string          `json:"content_type"`
	Content     string          `json:"content"` // base64
	Topic       string          `json:"topic"`
	Class       int             `json:"class"`
	Silent      bool            `json:"silent"`
	Targets     []offlineTarget `json:"targets"`
}

// handlePushMsg hands an already-resolved group push off to this node's
// push.Service, the inter-node handoff spec.md §6 names "offline push
// handoff" — used when the orchestrator round ran on a node other than the
// one an affected device's provider credentials are best dispatched from.
func handlePushMsg(pushSvc *push.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req pushMsgRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		content, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			http.Error(w, "content must be base64", http.StatusBadRequest)
			return
		}

		receipt := push.Receipt{
			Payload: push.Payload{
				GID: req.GID, MID: req.MID, From: req.From,
				ContentType: req.ContentType, Content: content, Topic: req.Topic,
				Class: push.MessageClass(req.Class), Silent: req.Silent, Timestamp: time.Now(),
			},
			To: targetsFrom(req.Targets),
		}
		pushSvc.Dispatch(r.Context(), receipt)
		w.WriteHeader(http.StatusAccepted)
	}
}

type notificationsRequest struct {
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Targets []offlineTarget `json:"targets"`
}

// handleNotifications dispatches a data-class notification whose content is
// the request's title and body, with Silent unset so providers show it as a
// visible alert (spec.md §6's "inter-node notification dispatch") — used for
// events that need to nudge a device without a corresponding group message
// row, e.g. a membership change.
func handleNotifications(pushSvc *push.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req notificationsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}

		receipt := push.Receipt{
			Payload: push.Payload{
				ContentType: "notification",
				Content:     []byte(req.Title + "\n" + req.Body),
				Class:       push.ClassData,
				Timestamp:   time.Now(),
			},
			To: targetsFrom(req.Targets),
		}
		pushSvc.Dispatch(r.Context(), receipt)
		w.WriteHeader(http.StatusAccepted)
	}
}

func targetsFrom(in []offlineTarget) []push.Target {
	out := make([]push.Target, 0, len(in))
	for _, t := range in {
		out = append(out, push.Target{UID: t.UID, Push: t.Push})
	}
	return out
}

// slogWriter adapts a *slog.Logger to io.Writer so gorilla/handlers'
// Apache-style access log lines flow through the same structured logger
// as everything else, instead of straight to os.Stderr.
type slogWriter struct{ log *slog.Logger }

func (w slogWriter) Write(p []byte) (int, error) {
	w.log.Info("offline mux access", "line", string(p))
	return len(p), nil
}
