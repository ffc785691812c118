package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shell0/internal/cachestore"
	"shell0/internal/lifecycle"
	"shell0/internal/syncer"
)

const (
	controlPrefix  = "/__shell0"
	maxControlBody = 1 << 20
)

func (w *Worker) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route(controlPrefix, func(r chi.Router) {
		r.Post("/message", w.handleMessage)
		r.Get("/status", w.handleStatus)
		r.Post("/sync", w.handleSync)
		r.Post("/sync/{tag}", w.handleSyncTag)
		r.Post("/sync/{tag}/register", w.handleRegisterTag)
		r.Get("/install-state", w.handleInstallState)
		r.Post("/install-event", w.handleInstallEvent)
		r.Post("/install-prompt", w.handleInstallPrompt)
		r.Post("/push", w.handlePush)
		r.Post("/notification-click", w.handleNotificationClick)
		r.Get("/data/{key}", w.handleDataGet)
		r.Put("/data/{key}", w.handleDataPut)
		r.Delete("/data/{key}", w.handleDataDelete)
		r.Post("/update", w.handleUpdate)
	})

	r.HandleFunc("/*", func(rw http.ResponseWriter, req *http.Request) {
		if _, err := w.disp.Dispatch(req.Context(), EventFetch, FetchEvent{W: rw, R: req}); err != nil {
			writeError(rw, req, http.StatusInternalServerError, "fetch", err.Error())
		}
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var eb errorBody
	eb.Error.Code = code
	eb.Error.Message = message
	eb.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, eb)
}

func decode(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func (w *Worker) fail(rw http.ResponseWriter, r *http.Request, code string, err error) {
	status := http.StatusInternalServerError
	if isClientError(err) {
		status = http.StatusBadRequest
	}
	if errors.Is(err, syncer.ErrUnknownTag) {
		status = http.StatusNotFound
	}
	if errors.Is(err, lifecycle.ErrNotInstallable) {
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		w.log.Error().Err(err).Str("code", code).Msg("control request failed")
	}
	writeError(rw, r, status, code, err.Error())
}

func (w *Worker) handleMessage(rw http.ResponseWriter, r *http.Request) {
	var msg lifecycle.Message
	if err := decode(r, &msg); err != nil {
		writeError(rw, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	reply, err := Call[lifecycle.Reply](r.Context(), w.disp, EventMessage, msg)
	if err != nil {
		w.fail(rw, r, "message", err)
		return
	}
	writeJSON(rw, http.StatusOK, reply)
}

type statusBody struct {
	Version string                 `json:"version"`
	Active  *lifecycle.Worker      `json:"active,omitempty"`
	Waiting *lifecycle.Worker      `json:"waiting,omitempty"`
	Sync    syncer.Status          `json:"sync"`
	Install lifecycle.InstallState `json:"install"`
}

func (w *Worker) handleStatus(rw http.ResponseWriter, _ *http.Request) {
	active, waiting := w.life.Workers()
	writeJSON(rw, http.StatusOK, statusBody{
		Version: w.life.Version(),
		Active:  active,
		Waiting: waiting,
		Sync:    w.sync.Status(),
		Install: w.life.PWA().State(),
	})
}

type syncBody struct {
	Ran       bool   `json:"ran"`
	Reason    string `json:"reason"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
	State     string `json:"state"`
}

func (w *Worker) syncReply(res syncer.Result, ran bool) syncBody {
	b := syncBody{
		Ran:       ran,
		Reason:    string(res.Reason),
		Attempted: res.Attempted,
		Succeeded: res.Succeeded,
		Remaining: res.Remaining,
		State:     string(w.sync.Status().State),
	}
	if res.Err != nil {
		b.Error = res.Err.Error()
	}
	return b
}

func (w *Worker) handleSync(rw http.ResponseWriter, r *http.Request) {
	res, ran := w.sync.Trigger(r.Context(), syncer.ReasonManual)
	writeJSON(rw, http.StatusOK, w.syncReply(res, ran))
}

func (w *Worker) handleSyncTag(rw http.ResponseWriter, r *http.Request) {
	out, err := Call[SyncOutcome](r.Context(), w.disp, EventSync, SyncEvent{Tag: chi.URLParam(r, "tag")})
	if err != nil {
		w.fail(rw, r, "sync", err)
		return
	}
	writeJSON(rw, http.StatusOK, w.syncReply(out.Result, out.Ran))
}

func (w *Worker) handleRegisterTag(rw http.ResponseWriter, r *http.Request) {
	w.sync.Register(chi.URLParam(r, "tag"))
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleInstallState(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, http.StatusOK, w.life.PWA().State())
}

type installEvent struct {
	Type string `json:"type"`
	Mode string `json:"mode,omitempty"`
}

// handleInstallEvent feeds platform events reported by the host page.
func (w *Worker) handleInstallEvent(rw http.ResponseWriter, r *http.Request) {
	var ev installEvent
	if err := decode(r, &ev); err != nil {
		writeError(rw, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	pwa := w.life.PWA()
	switch ev.Type {
	case "beforeinstallprompt":
		pwa.BeforeInstallPrompt()
	case "appinstalled":
		pwa.AppInstalled()
	case "displaymode":
		pwa.SetDisplayMode(ev.Mode)
	default:
		writeError(rw, r, http.StatusBadRequest, "bad_request", "unknown install event "+ev.Type)
		return
	}
	writeJSON(rw, http.StatusOK, pwa.State())
}

type promptBody struct {
	Outcome lifecycle.Outcome `json:"outcome"`
}

// handleInstallPrompt consumes the deferred prompt; the body carries the
// choice the user made in the platform dialog.
func (w *Worker) handleInstallPrompt(rw http.ResponseWriter, r *http.Request) {
	var in promptBody
	if err := decode(r, &in); err != nil {
		writeError(rw, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	out, err := w.life.PWA().PromptInstall(r.Context(), lifecycle.PrompterFunc(func(context.Context) (lifecycle.Outcome, error) {
		return in.Outcome, nil
	}))
	if err != nil {
		w.fail(rw, r, "install_prompt", err)
		return
	}
	writeJSON(rw, http.StatusOK, promptBody{Outcome: out})
}

func (w *Worker) handlePush(rw http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(rw, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	n, err := Call[lifecycle.Notification](r.Context(), w.disp, EventPush, b)
	if err != nil {
		writeError(rw, r, http.StatusBadRequest, "push", err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, n)
}

func (w *Worker) handleNotificationClick(rw http.ResponseWriter, r *http.Request) {
	var ev ClickEvent
	if err := decode(r, &ev); err != nil {
		writeError(rw, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	u, err := Call[string](r.Context(), w.disp, EventNotificationClick, ev)
	if err != nil {
		w.fail(rw, r, "notification_click", err)
		return
	}
	if u == "" {
		rw.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"url": u})
}

func (w *Worker) handleDataGet(rw http.ResponseWriter, r *http.Request) {
	var v json.RawMessage
	ok, err := w.ttl.Get(chi.URLParam(r, "key"), &v)
	if err != nil {
		w.fail(rw, r, "data", err)
		return
	}
	if !ok {
		writeError(rw, r, http.StatusNotFound, "miss", "no fresh record")
		return
	}
	writeJSON(rw, http.StatusOK, v)
}

// handleDataPut stores the JSON body; ?ttl=30s overrides the default lifetime.
func (w *Worker) handleDataPut(rw http.ResponseWriter, r *http.Request) {
	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(rw, r, http.StatusBadRequest, "bad_request", "ttl: "+err.Error())
			return
		}
		ttl = d
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil || !json.Valid(b) {
		writeError(rw, r, http.StatusBadRequest, "bad_request", "body must be JSON")
		return
	}
	if err := w.ttl.Set(chi.URLParam(r, "key"), json.RawMessage(b), ttl); err != nil {
		w.fail(rw, r, "data", err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleDataDelete(rw http.ResponseWriter, r *http.Request) {
	if err := w.ttl.Delete(chi.URLParam(r, "key")); err != nil {
		w.fail(rw, r, "data", err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

type updateBody struct {
	Version string `json:"version"`
}

type updateReply struct {
	Active  string `json:"active"`
	Waiting string `json:"waiting,omitempty"`
}

// handleUpdate installs a new generation; it waits for SKIP_WAITING.
func (w *Worker) handleUpdate(rw http.ResponseWriter, r *http.Request) {
	var in updateBody
	if err := decode(r, &in); err != nil || in.Version == "" {
		writeError(rw, r, http.StatusBadRequest, "bad_request", "version is required")
		return
	}
	gen := cachestore.NewGeneration(w.cfg.Cache.Prefix, in.Version)
	if _, err := w.disp.Dispatch(r.Context(), EventInstall, gen); err != nil {
		w.fail(rw, r, "update", err)
		return
	}
	reply := updateReply{Active: w.life.Version()}
	if _, waiting := w.life.Workers(); waiting != nil {
		reply.Waiting = waiting.Version
	}
	writeJSON(rw, http.StatusOK, reply)
}
