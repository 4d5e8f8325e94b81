package pushnotification

import (
	"context"

	"github.com/kazz187/taskpilot/internal/config"
	"github.com/kazz187/taskpilot/internal/pushsubscription"
	"github.com/kazz187/taskpilot/pkg/cerr"
)

// Service manages subscriptions on behalf of the API.
type Service struct {
	vapidEnv *config.VAPIDEnv
	repo     pushsubscription.Repository
	sender   *Sender
}

func NewService(vapidEnv *config.VAPIDEnv, repo pushsubscription.Repository, sender *Sender) *Service {
	return &Service{
		vapidEnv: vapidEnv,
		repo:     repo,
		sender:   sender,
	}
}

func (s *Service) VAPIDPublicKey() (string, error) {
	if s.vapidEnv.VAPIDPublicKey == "" {
		return "", cerr.NewError(cerr.FailedPrecondition, "VAPID keys not configured", nil)
	}
	return s.vapidEnv.VAPIDPublicKey, nil
}

// Register is idempotent per endpoint.
func (s *Service) Register(ctx context.Context, sub *pushsubscription.Subscription) error {
	switch {
	case sub.Username == "":
		return cerr.NewError(cerr.InvalidArgument, "username is required", nil)
	case sub.Endpoint == "":
		return cerr.NewError(cerr.InvalidArgument, "endpoint is required", nil)
	case sub.P256dhKey == "":
		return cerr.NewError(cerr.InvalidArgument, "p256dh_key is required", nil)
	case sub.AuthKey == "":
		return cerr.NewError(cerr.InvalidArgument, "auth_key is required", nil)
	}
	return s.repo.Save(ctx, sub)
}

func (s *Service) Unregister(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return cerr.NewError(cerr.InvalidArgument, "endpoint is required", nil)
	}
	return s.repo.DeleteByEndpoint(ctx, endpoint)
}

// SendTest pushes a test notification to username's devices.
func (s *Service) SendTest(ctx context.Context, username string) error {
	if !s.sender.Enabled() {
		return cerr.NewError(cerr.FailedPrecondition, "VAPID keys not configured", nil)
	}
	s.sender.SendTo(ctx, username, &NotificationPayload{
		Title: "TaskPilot test",
		Body:  "Push notifications are working!",
	})
	return nil
}
