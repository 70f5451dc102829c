// Package instance is the use-case layer between HTTP handlers and the session
// lifecycle. Every operation returns a Result envelope.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"strings"
	"time"

	"github.com/gluk-w/wagate/internal/database"
	"github.com/gluk-w/wagate/internal/lifecycle"
	"github.com/gluk-w/wagate/internal/session"
	"github.com/go-playground/validator/v10"
)

// Result is the envelope returned to callers. Error text is safe to show to
// end users.
type Result struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error,omitempty"`
	Message    any    `json:"message,omitempty"`
}

func success(msg any) Result { return Result{StatusCode: 200, Message: msg} }

func internalError(op string, err error) Result {
	log.Printf("[instance] %s: %v", op, err)
	return Result{StatusCode: 500, Error: "Internal server error"}
}

type Store interface {
	CreateInstance(ctx context.Context, name, webhookURL string, userID uint) (*database.Instance, error)
	UpdateInstance(ctx context.Context, id, name, webhookURL string) error
	FindByIDAndUserID(ctx context.Context, id string, userID uint, admin bool) (*database.Instance, error)
	FindByIDAndToken(ctx context.Context, id, token string) (*database.Instance, error)
	ListInstances(ctx context.Context, q database.ListQuery) ([]database.Instance, int64, error)
	DeleteInstance(ctx context.Context, id string, userID uint, admin bool) (bool, error)
	SaveWebhookURL(ctx context.Context, id, url string) (bool, error)
	SaveName(ctx context.Context, id, name string) (bool, error)
	ListMessages(ctx context.Context, instanceID string, limit int) ([]database.Message, error)
}

// Sessions is the lifecycle driver as seen by the use-case layer.
type Sessions interface {
	StartAsync(inst database.Instance, reason string)
	Restart(ctx context.Context, inst *database.Instance)
	StatusFor(ctx context.Context, inst *database.Instance) session.RuntimeState
	Logout(ctx context.Context, inst *database.Instance)
	Send(ctx context.Context, inst *database.Instance, msg session.Outgoing) error
}

type Service struct {
	store         Store
	sessions      Sessions
	validate      *validator.Validate
	now           func() time.Time
	restartWindow time.Duration
}

// NewService builds the use-case layer. restartWindow bounds the GetQR
// auto-restart to freshly started instances.
func NewService(store Store, sessions Sessions, restartWindow time.Duration) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	if restartWindow <= 0 {
		restartWindow = time.Minute
	}
	return &Service{
		store:         store,
		sessions:      sessions,
		validate:      v,
		now:           time.Now,
		restartWindow: restartWindow,
	}
}

// View is an instance as shown to its owner, token included.
type View struct {
	*database.Instance
	Token string `json:"token"`
}

func viewOf(inst *database.Instance) View {
	return View{Instance: inst, Token: inst.Token}
}

type SaveRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name" validate:"required,min=1,max=64"`
	WebhookURL string `json:"webhook_url" validate:"omitempty,http_url"`
}

// Save creates an instance, or updates one the user owns when ID is set, and
// schedules its session start without waiting for it.
func (s *Service) Save(ctx context.Context, req SaveRequest, user *database.User) Result {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return Result{StatusCode: 422, Error: validationMessage(err)}
	}

	var inst *database.Instance
	var err error
	if req.ID == "" {
		inst, err = s.store.CreateInstance(ctx, req.Name, req.WebhookURL, user.ID)
		if err != nil {
			return internalError("create instance", err)
		}
	} else {
		inst, err = s.store.FindByIDAndUserID(ctx, req.ID, user.ID, user.IsAdmin())
		if err != nil {
			return internalError("find instance", err)
		}
		if inst == nil {
			return Result{StatusCode: 422, Error: fmt.Sprintf("Instance %s not found", req.ID), Message: "Instance not found"}
		}
		if err := s.store.UpdateInstance(ctx, inst.ID, req.Name, req.WebhookURL); err != nil {
			return internalError("update instance", err)
		}
		inst.Name, inst.WebhookURL = req.Name, req.WebhookURL
	}

	s.sessions.StartAsync(*inst, lifecycle.ReasonStart)
	return success(map[string]any{
		"instance": viewOf(inst),
		"info":     "Instance saved successfully",
	})
}

func (s *Service) FindByID(ctx context.Context, id string, user *database.User) Result {
	inst, err := s.store.FindByIDAndUserID(ctx, id, user.ID, user.IsAdmin())
	if err != nil {
		return internalError("find instance", err)
	}
	if inst == nil {
		return Result{StatusCode: 422, Error: fmt.Sprintf("Instance %s not found", id), Message: "Instance not found"}
	}
	return success(viewOf(inst))
}

// SearchRequest pages through instances. Skip and Limit are required.
type SearchRequest struct {
	Search string
	Skip   *int
	Limit  *int
}

func (s *Service) Get(ctx context.Context, search SearchRequest, user *database.User) Result {
	if search.Skip == nil || search.Limit == nil || *search.Skip < 0 || *search.Limit <= 0 {
		return Result{StatusCode: 400, Message: "Invalid search"}
	}
	list, total, err := s.store.ListInstances(ctx, database.ListQuery{
		Search: search.Search,
		Skip:   *search.Skip,
		Limit:  *search.Limit,
		UserID: user.ID,
		Admin:  user.IsAdmin(),
	})
	if err != nil {
		return internalError("list instances", err)
	}
	views := make([]View, 0, len(list))
	for i := range list {
		views = append(views, viewOf(&list[i]))
	}
	return success(map[string]any{"instances": views, "total": total})
}

// Delete removes the record only. A running session for the instance keeps
// running until it is restarted or the process exits.
func (s *Service) Delete(ctx context.Context, id string, user *database.User) Result {
	if _, err := s.store.DeleteInstance(ctx, id, user.ID, user.IsAdmin()); err != nil {
		return internalError("delete instance", err)
	}
	return success("ok")
}

// QRStatus is the pairing view returned by GetQR.
type QRStatus struct {
	QR     string `json:"qr"`
	Status string `json:"status"`
}

// GetQR returns the last stored code and persisted status. When the session
// is unknown and the instance entered initial less than restartWindow ago,
// the session is restarted.
func (s *Service) GetQR(ctx context.Context, id, token string) Result {
	if token == "" {
		return Result{StatusCode: 422, Error: "Token cannot be empty", Message: "Invalid instance"}
	}
	_, hasKey := session.NewKey(id, token)
	inst, err := s.store.FindByIDAndToken(ctx, id, token)
	if err != nil {
		return internalError("find instance", err)
	}
	if !hasKey || inst == nil {
		return Result{StatusCode: 422, Error: "instance id or token is invalid", Message: "Invalid instance"}
	}

	if s.sessions.StatusFor(ctx, inst) == session.StateUnknown && s.withinRestartWindow(inst) {
		log.Printf("[instance] no session for fresh instance %s, restarting", inst.ID)
		s.restart(ctx, inst)
	}
	return success(QRStatus{QR: inst.QR, Status: inst.Status})
}

func (s *Service) withinRestartWindow(inst *database.Instance) bool {
	if inst.InitialDate == nil {
		return false
	}
	elapsed := s.now().Sub(*inst.InitialDate)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	return elapsed < s.restartWindow
}

// restart tears the session down and schedules a fresh start.
func (s *Service) restart(ctx context.Context, inst *database.Instance) {
	s.sessions.Restart(ctx, inst)
	s.sessions.StartAsync(*inst, lifecycle.ReasonRestart)
}

type webhookRequest struct {
	WebhookURL string `json:"webhook_url" validate:"required,http_url"`
}

func (s *Service) SaveWebhookURL(ctx context.Context, id, url string, user *database.User) Result {
	if err := s.validate.Struct(webhookRequest{WebhookURL: url}); err != nil {
		return Result{StatusCode: 422, Error: validationMessage(err)}
	}
	if res, ok := s.owned(ctx, id, user); !ok {
		return res
	}
	if _, err := s.store.SaveWebhookURL(ctx, id, url); err != nil {
		return internalError("save webhook url", err)
	}
	return success("Save Success")
}

func (s *Service) SaveName(ctx context.Context, id, name string, user *database.User) Result {
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{StatusCode: 422, Error: "Name cannot be empty", Message: "Invalid name"}
	}
	if res, ok := s.owned(ctx, id, user); !ok {
		return res
	}
	if _, err := s.store.SaveName(ctx, id, name); err != nil {
		return internalError("save name", err)
	}
	return success("Name save success")
}

func (s *Service) owned(ctx context.Context, id string, user *database.User) (Result, bool) {
	inst, err := s.store.FindByIDAndUserID(ctx, id, user.ID, user.IsAdmin())
	if err != nil {
		return internalError("find instance", err), false
	}
	if inst == nil {
		return Result{StatusCode: 422, Error: fmt.Sprintf("Instance %s not found", id), Message: "Instance not found"}, false
	}
	return Result{}, true
}

// byToken resolves the instance for token-authorized operations.
func (s *Service) byToken(ctx context.Context, id, token string) (*database.Instance, Result, bool) {
	if token == "" {
		return nil, Result{StatusCode: 422, Error: "Token is required"}, false
	}
	inst, err := s.store.FindByIDAndToken(ctx, id, token)
	if err != nil {
		return nil, internalError("find instance", err), false
	}
	if inst == nil {
		return nil, Result{StatusCode: 404, Error: "Instance does not exist"}, false
	}
	return inst, Result{}, true
}

func (s *Service) Restart(ctx context.Context, id, token string) Result {
	inst, res, found := s.byToken(ctx, id, token)
	if !found {
		return res
	}
	s.restart(ctx, inst)
	return success("Instance restarted successfully")
}

// GetRealStatus reports the runtime state rather than the persisted status.
func (s *Service) GetRealStatus(ctx context.Context, id, token string) Result {
	inst, res, found := s.byToken(ctx, id, token)
	if !found {
		return res
	}
	return success(s.sessions.StatusFor(ctx, inst))
}

func (s *Service) Logout(ctx context.Context, id, token string) Result {
	if id == "" || token == "" {
		return Result{StatusCode: 422, Error: "instance id and token are required"}
	}
	inst, res, found := s.byToken(ctx, id, token)
	if !found {
		return res
	}
	s.sessions.Logout(ctx, inst)
	return success("Logout completed successfully")
}

// SendRequest is a text message or a base64 document for one recipient.
type SendRequest struct {
	ID       string `json:"id"`
	Token    string `json:"token"`
	To       string `json:"to" validate:"required,max=64"`
	Body     string `json:"body" validate:"required_without=Document"`
	Filename string `json:"filename" validate:"required_with=Document"`
	Document string `json:"document" validate:"omitempty,base64"`
	MimeType string `json:"mimetype"`
}

// Send hands the message to the live session. A failed delivery is reported
// as queued=false rather than an error.
func (s *Service) Send(ctx context.Context, req SendRequest) Result {
	if err := s.validate.Struct(req); err != nil {
		return Result{StatusCode: 422, Error: validationMessage(err)}
	}
	inst, res, found := s.byToken(ctx, req.ID, req.Token)
	if !found {
		return res
	}
	err := s.sessions.Send(ctx, inst, session.Outgoing{
		To:       req.To,
		Body:     req.Body,
		Filename: req.Filename,
		Document: req.Document,
		MimeType: req.MimeType,
	})
	return success(map[string]any{"queued": err == nil})
}

func (s *Service) Messages(ctx context.Context, id string, limit int, user *database.User) Result {
	if res, ok := s.owned(ctx, id, user); !ok {
		return res
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	list, err := s.store.ListMessages(ctx, id, limit)
	if err != nil {
		return internalError("list messages", err)
	}
	return success(list)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "required_without", "required_with":
			msgs = append(msgs, fmt.Sprintf("%s is required with %s", field, strings.ToLower(fe.Param())))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s characters", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		case "http_url":
			msgs = append(msgs, field+" must be a valid http(s) URL")
		case "base64":
			msgs = append(msgs, field+" must be base64 encoded")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}
