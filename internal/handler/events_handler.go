package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/bluecircle/internal/middleware"
	"github.com/hitoshi/bluecircle/internal/profile"
	"github.com/hitoshi/bluecircle/internal/session"
)

const (
	// eventBuffer は未送信イベントの上限。超えた接続は切断する。
	eventBuffer = 32
	// heartbeatInterval はプロキシのアイドル切断を防ぐコメント行の送信間隔。
	heartbeatInterval = 25 * time.Second
)

// EventsHandler はブラウザごとのセッション変化とプロフィール表示をServer-Sent Eventsで配信する。
type EventsHandler struct {
	profiles    *profile.Resolver
	initTimeout time.Duration
}

// NewEventsHandler はEventsHandlerを生成する。
func NewEventsHandler(profiles *profile.Resolver, initTimeout time.Duration) *EventsHandler {
	return &EventsHandler{profiles: profiles, initTimeout: initTimeout}
}

type streamEvent struct {
	name string
	data any
}

type sessionEventData struct {
	Status    string     `json:"status"`
	UserID    string     `json:"user_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type profileEventData struct {
	UserID  string        `json:"user_id"`
	Loading bool          `json:"loading"`
	Profile *profile.Card `json:"profile,omitempty"`
}

func toSessionEventData(st session.State) sessionEventData {
	data := sessionEventData{Status: st.Status.String(), UserID: st.UserID()}
	if st.Session != nil {
		exp := st.Session.ExpiresAt
		data.ExpiresAt = &exp
	}
	return data
}

func toProfileEventData(res profile.Result) profileEventData {
	data := profileEventData{UserID: res.UserID, Loading: res.Loading}
	if !res.Loading {
		card := profile.CardOf(res.UserID, res.Profile)
		data.Profile = &card
	}
	return data
}

// Stream はイベントストリームを開き、切断されるまで配信する。
// 接続ごとにSession Storeとプロフィール表示を持ち、切断時に購読を解除する。
// GET /api/session/events
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	client := middleware.ClientFromContext(r.Context())
	if client == nil {
		middleware.WriteInternalServerError(w)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan streamEvent, eventBuffer)
	push := func(ev streamEvent) {
		select {
		case events <- ev:
		default:
			slog.Warn("event stream overflow", slog.String("client_id", client.ID()))
			cancel()
		}
	}

	view := profile.NewView(h.profiles, func(res profile.Result) {
		push(streamEvent{name: "profile", data: toProfileEventData(res)})
	})
	defer view.Close()

	store := session.NewStore(client)
	defer store.Close()
	// Storeの配送は直列なので、shownはこのListenerの中だけで読み書きする
	var shown string
	store.Subscribe(func(st session.State) {
		push(streamEvent{name: "session", data: toSessionEventData(st)})
		switch {
		case st.Status != session.Authenticated:
			shown = ""
		case st.UserID() != shown:
			// トークンのリフレッシュでは同じユーザーのプロフィールを取り直さない
			shown = st.UserID()
			view.Show(ctx, shown)
		}
	})
	store.Initialize(ctx)

	// 初回解決を待ってからヘッダー（書き戻すCookieを含む）を送る
	store.Await(ctx, h.initTimeout)

	rc := http.NewResponseController(w)
	// サーバーのWriteTimeoutは接続を保持する配信には適用しない
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("event stream not supported", slog.String("error", err.Error()))
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := writeEvent(w, ev); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev streamEvent) error {
	data, err := json.Marshal(ev.data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data)
	return err
}
