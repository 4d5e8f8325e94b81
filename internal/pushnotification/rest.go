package pushnotification

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/taskpilot/internal/pushsubscription"
	"github.com/kazz187/taskpilot/pkg/cerr"
)

type subscriptionRequest struct {
	Username  string `json:"username"`
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh_key"`
	AuthKey   string `json:"auth_key"`
}

type testRequest struct {
	Username string `json:"username"`
}

// RegisterRoutes mounts the subscription endpoints behind the cerr chi
// middleware.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Get("/push/vapid-public-key", s.handlePublicKey)
	r.Post("/push/subscriptions", s.handleRegister)
	r.Delete("/push/subscriptions", s.handleUnregister)
	r.Post("/push/test", s.handleTest)
}

func (s *Service) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.VAPIDPublicKey()
	if err != nil {
		cerr.SetJSONError(r.Context(), err)
		return
	}
	cerr.SetJSONResponse(r.Context(), map[string]string{"public_key": key})
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid JSON body", err)
		return
	}
	err := s.Register(ctx, &pushsubscription.Subscription{
		Username:  req.Username,
		Endpoint:  req.Endpoint,
		P256dhKey: req.P256dhKey,
		AuthKey:   req.AuthKey,
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Service) handleUnregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.Unregister(ctx, r.URL.Query().Get("endpoint")); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]bool{"ok": true})
}

func (s *Service) handleTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid JSON body", err)
		return
	}
	if req.Username == "" {
		cerr.SetJSONError(ctx, cerr.InvalidArgumentError("username", "must not be empty"))
		return
	}
	if err := s.SendTest(ctx, req.Username); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]bool{"ok": true})
}
