package task

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kazz187/taskpilot/internal/apiv1"
	"github.com/kazz187/taskpilot/pkg/cerr"
)

// RegisterRoutes mounts the JSON REST endpoints. Handlers report through
// cerr.SetJSONResponse, so r must use cerr.NewConvertConnectErrorChiMiddleware.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/tasks", s.handleSubmit)
	r.Get("/tasks", s.handleList)
	r.Get("/tasks/{id}", s.handleGet)
	r.Get("/tasks/{id}/events", s.handleEvents)
	r.Post("/tasks/{id}/events/{eventID}/reversed", s.handleMarkReversed)
	r.Get("/tasks/{id}/bill", s.handleBill)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req apiv1.SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid JSON body", err)
		return
	}
	t, err := s.submit(ctx, &req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusAccepted, ToAPI(t))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	req := &apiv1.ListTasksRequest{Username: q.Get("username"), Status: q.Get("status")}
	var err error
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			cerr.SetJSONError(ctx, cerr.InvalidArgumentError("limit", "must be a number"))
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if req.Offset, err = strconv.Atoi(v); err != nil {
			cerr.SetJSONError(ctx, cerr.InvalidArgumentError("offset", "must be a number"))
			return
		}
	}
	res, err := s.list(ctx, req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.repo.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, ToAPI(t))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.listEvents(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, res)
}

func (s *Server) handleMarkReversed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := s.events.MarkReversed(ctx, chi.URLParam(r, "id"), chi.URLParam(r, "eventID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, EventToAPI(e))
}

func (s *Server) handleBill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.bill(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, res)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// HandleWatch streams a task over a WebSocket as JSON WatchTaskResponse
// frames. It hijacks the connection, so it must not sit behind the JSON
// response middleware.
func (s *Server) HandleWatch(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	err = s.watch(ctx, taskID, func(msg *apiv1.WatchTaskResponse) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(msg)
	})

	code, text := websocket.CloseNormalClosure, "task finished"
	if err != nil {
		code, text = websocket.CloseInternalServerErr, err.Error()
		if cerr.IsCode(err, cerr.NotFound) {
			code = websocket.ClosePolicyViolation
		}
		slog.WarnContext(ctx, "task watch ended with error", "task_id", taskID, "error", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
