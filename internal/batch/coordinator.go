package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/events"
	"ordersync/backend/internal/idempotency"
	"ordersync/backend/internal/pipeline"
	"ordersync/backend/internal/store"
)

const (
	maxCustomerRefLength = 64
	maxLoggedBody        = 64 << 10
)

var apiKeyField = regexp.MustCompile(`"api_key"\s*:\s*"[^"]*"`)

// OrderProcessor runs one order end to end.
type OrderProcessor interface {
	Process(ctx context.Context, order domain.ExternalOrder, defaults pipeline.BatchDefaults) pipeline.Outcome
}

type SessionCloser interface {
	CloseAndSettle(ctx context.Context, sessionID string) error
}

type RegisterLookup interface {
	GetRegister(ctx context.Context, registerID string) (*domain.Register, error)
}

// Authenticator checks an API key supplied in the request body.
type Authenticator interface {
	AuthenticateAPIKey(ctx context.Context, key string) (domain.Actor, error)
}

type Config struct {
	MaxBatchOrders    int
	DefaultRegisterID string
}

type Deps struct {
	Pipeline    OrderProcessor
	Sessions    SessionCloser
	Registers   RegisterLookup
	Partners    store.Directory
	Idempotency *idempotency.Store
	Audit       store.AuditLog
	Auth        Authenticator
	Events      events.Publisher
}

// Inbound is one webhook call as the transport saw it. Actor is set when the
// transport already authenticated the caller from headers; RejectedCredentials
// is set when headers carried credentials that did not verify.
type Inbound struct {
	Route               string
	Method              string
	IPAddress           string
	UserAgent           string
	Headers             map[string]string
	Body                []byte
	IdempotencyKey      string
	Actor               *domain.Actor
	RejectedCredentials bool
	SingleOrder         bool
}

// Reply is the HTTP status and exact body to send back.
type Reply struct {
	Status   int
	Body     []byte
	Replayed bool
}

type Coordinator struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if cfg.MaxBatchOrders < 1 {
		cfg.MaxBatchOrders = 1000
	}
	return &Coordinator{deps: deps, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Handle processes one webhook call. It owns the audit entry and the
// idempotency record for the call; orders are processed sequentially and each
// gets its own result.
func (c *Coordinator) Handle(ctx context.Context, in Inbound) Reply {
	started := c.now()
	auditID := c.openAudit(ctx, in, started)

	reply, externalIDs, idemKey := c.handle(ctx, in)

	c.closeAudit(ctx, auditID, started, reply, externalIDs, idemKey)
	return reply
}

func (c *Coordinator) handle(ctx context.Context, in Inbound) (Reply, []string, string) {
	req, err := decodeRequest(in.Body, in.SingleOrder)
	if err != nil {
		return errorReply(http.StatusBadRequest, domain.Errorf(domain.KindMalformedPayload, "invalid JSON body: %v", err)), nil, ""
	}
	externalIDs := make([]string, 0, len(req.Orders))
	for _, order := range req.Orders {
		externalIDs = append(externalIDs, string(order.OrderID))
	}

	if in.RejectedCredentials {
		return errorReply(http.StatusUnauthorized, domain.Errorf(domain.KindUnauthorized, "invalid credentials")), externalIDs, ""
	}
	if in.Actor == nil {
		if _, err := c.authenticate(ctx, req.APIKey); err != nil {
			return errorReply(http.StatusUnauthorized, err), externalIDs, ""
		}
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}
	fingerprint := idempotency.Fingerprint(in.Body)
	if key != "" {
		if err := idempotency.ValidateKey(key); err != nil {
			return errorReply(http.StatusBadRequest, err), externalIDs, key
		}
		decision, err := c.deps.Idempotency.Begin(ctx, key, fingerprint)
		if err != nil {
			log.Printf("[batch] idempotency begin %s: %v", key, err)
			return errorReply(http.StatusInternalServerError, err), externalIDs, key
		}
		switch decision.Outcome {
		case idempotency.Replay:
			log.Printf("[batch] replaying committed response for key %s", key)
			return Reply{Status: decision.Response.Status, Body: decision.Response.Body, Replayed: true}, externalIDs, key
		case idempotency.InProgress:
			return errorReply(http.StatusConflict, domain.Errorf(domain.KindIdempotencyInProgress,
				"a request with idempotency key %s is still being processed", key)), externalIDs, key
		case idempotency.Mismatch:
			return errorReply(http.StatusUnprocessableEntity, domain.Errorf(domain.KindIdempotencyKeyReused,
				"idempotency key %s was already used with a different request body", key)), externalIDs, key
		}
	}

	release := func() {
		if key == "" {
			return
		}
		if err := c.deps.Idempotency.Release(context.WithoutCancel(ctx), key); err != nil {
			log.Printf("[batch] WARN: release idempotency key %s: %v", key, err)
		}
	}

	defaults, err := c.validateBatch(ctx, req)
	if err != nil {
		release()
		tagged := domain.AsError(err)
		status := http.StatusBadRequest
		if tagged.Kind == domain.KindInternal {
			log.Printf("[batch] batch validation: %v", err)
			status = http.StatusInternalServerError
		}
		return errorReply(status, tagged), externalIDs, key
	}

	// The deadline only matters before the first order; once processing starts
	// every order runs to completion.
	if err := ctx.Err(); err != nil {
		release()
		return errorReply(http.StatusRequestTimeout, domain.Wrap(domain.KindRequestAborted, err, "request aborted before processing: %v", err)), externalIDs, key
	}

	reply := c.runBatch(context.WithoutCancel(ctx), req, defaults)

	if key != "" {
		if err := c.deps.Idempotency.Commit(context.WithoutCancel(ctx), key, fingerprint, reply.Status, reply.Body); err != nil {
			log.Printf("[batch] WARN: commit idempotency key %s: %v", key, err)
		}
	}
	return reply, externalIDs, key
}

func (c *Coordinator) authenticate(ctx context.Context, apiKey string) (domain.Actor, error) {
	if c.deps.Auth == nil || strings.TrimSpace(apiKey) == "" {
		return domain.Actor{}, domain.Errorf(domain.KindUnauthorized, "invalid or missing API key")
	}
	actor, err := c.deps.Auth.AuthenticateAPIKey(ctx, apiKey)
	if err != nil {
		return domain.Actor{}, domain.Errorf(domain.KindUnauthorized, "invalid or missing API key")
	}
	return actor, nil
}

func (c *Coordinator) validateBatch(ctx context.Context, req domain.BatchRequest) (pipeline.BatchDefaults, error) {
	defaults := pipeline.BatchDefaults{
		RegisterID:  strings.TrimSpace(req.RegisterID),
		PartnerID:   req.PartnerID,
		CustomerRef: strings.TrimSpace(req.CustomerRef),
	}

	if len(req.Orders) == 0 {
		return defaults, domain.Errorf(domain.KindMalformedPayload, "orders must contain at least one order")
	}
	if len(req.Orders) > c.cfg.MaxBatchOrders {
		return defaults, domain.Errorf(domain.KindBatchTooLarge, "batch has %d orders, the maximum is %d", len(req.Orders), c.cfg.MaxBatchOrders)
	}

	if defaults.RegisterID != "" {
		register, err := c.deps.Registers.GetRegister(ctx, defaults.RegisterID)
		if errors.Is(err, store.ErrNotFound) {
			return defaults, domain.Errorf(domain.KindInvalidOverride, "register_id %q does not exist", defaults.RegisterID)
		}
		if err != nil {
			return defaults, err
		}
		if !register.Active {
			return defaults, domain.Errorf(domain.KindInvalidOverride, "register_id %q is not active", defaults.RegisterID)
		}
	} else {
		defaults.RegisterID = c.cfg.DefaultRegisterID
	}

	if req.PartnerID < 0 {
		return defaults, domain.Errorf(domain.KindInvalidOverride, "partner_id must be positive")
	}
	if req.PartnerID > 0 {
		partner, err := c.deps.Partners.FindPartner(ctx, store.PartnerCriteria{ID: req.PartnerID})
		if errors.Is(err, store.ErrNotFound) {
			return defaults, domain.Errorf(domain.KindInvalidOverride, "partner_id %d does not exist", req.PartnerID)
		}
		if err != nil {
			return defaults, err
		}
		if !partner.Active {
			return defaults, domain.Errorf(domain.KindInvalidOverride, "partner_id %d is archived", req.PartnerID)
		}
	}

	if len(defaults.CustomerRef) > maxCustomerRefLength {
		return defaults, domain.Errorf(domain.KindInvalidOverride, "customer_ref must be at most %d characters", maxCustomerRefLength)
	}
	return defaults, nil
}

func (c *Coordinator) runBatch(ctx context.Context, req domain.BatchRequest, defaults pipeline.BatchDefaults) Reply {
	orders := req.Orders
	data := &domain.BatchData{Total: len(orders), Results: make([]domain.OrderResult, 0, len(orders))}
	sessionIDs := make([]string, 0, 1)
	seen := make(map[string]bool)
	published := make([]events.Event, 0, len(orders)+2)

	for i, order := range orders {
		if err := req.DecodeError(i); err != nil {
			log.Printf("[batch] WARN: order %d (%s) is not well-typed: %v", i, order.OrderID, err)
			data.Results = append(data.Results, rejectedResult(order, err))
			data.Failed++
			continue
		}
		outcome := c.deps.Pipeline.Process(ctx, order, defaults)
		data.Results = append(data.Results, outcome.Result)
		if outcome.Result.Success {
			data.Successful++
			published = append(published, events.Event{
				Type:       events.TypeOrderCommitted,
				Key:        outcome.Result.ExternalOrderID,
				OccurredAt: c.now(),
				Payload:    outcome.Result.Order,
			})
		} else {
			data.Failed++
		}
		if outcome.SessionID != "" && !seen[outcome.SessionID] {
			seen[outcome.SessionID] = true
			sessionIDs = append(sessionIDs, outcome.SessionID)
		}
	}

	for _, sessionID := range sessionIDs {
		if err := c.deps.Sessions.CloseAndSettle(ctx, sessionID); err != nil {
			log.Printf("[batch] WARN: session %s not fully closed: %v", sessionID, err)
			continue
		}
		published = append(published, events.Event{
			Type:       events.TypeSessionClosed,
			Key:        sessionID,
			OccurredAt: c.now(),
			Payload:    map[string]string{"session_id": sessionID},
		})
	}

	response := domain.BatchResponse{Data: data}
	status := http.StatusOK
	switch {
	case data.Failed == 0:
		response.Status = domain.BatchSuccess
	case data.Successful == 0:
		response.Status = domain.BatchError
		status = http.StatusBadRequest
		msg := fmt.Sprintf("all %d orders failed", data.Total)
		response.Error = &msg
	default:
		response.Status = domain.BatchPartial
		status = http.StatusMultiStatus
		msg := fmt.Sprintf("%d of %d orders failed", data.Failed, data.Total)
		response.Error = &msg
	}

	published = append(published, events.Event{
		Type:       events.TypeBatchCompleted,
		Key:        defaults.RegisterID,
		OccurredAt: c.now(),
		Payload: map[string]any{
			"status":     response.Status,
			"total":      data.Total,
			"successful": data.Successful,
			"failed":     data.Failed,
		},
	})
	if err := c.deps.Events.Publish(ctx, published...); err != nil {
		log.Printf("[batch] WARN: publish events: %v", err)
	}

	log.Printf("[batch] processed %d orders: %d ok, %d failed", data.Total, data.Successful, data.Failed)
	return Reply{Status: status, Body: mustEncode(response)}
}

func (c *Coordinator) openAudit(ctx context.Context, in Inbound, started time.Time) string {
	// Redact before truncating so a key split by the cut is still masked.
	body := apiKeyField.ReplaceAllString(string(in.Body), `"api_key":"***"`)
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody]
	}
	id, err := c.deps.Audit.CreateWebhookLog(ctx, domain.WebhookLog{
		ReceivedAt:     started,
		Route:          in.Route,
		Method:         in.Method,
		IPAddress:      in.IPAddress,
		UserAgent:      in.UserAgent,
		Headers:        in.Headers,
		Body:           body,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		log.Printf("[batch] WARN: create webhook log: %v", err)
		return ""
	}
	return id
}

func (c *Coordinator) closeAudit(ctx context.Context, id string, started time.Time, reply Reply, externalIDs []string, key string) {
	if id == "" {
		return
	}
	finished := c.now()
	outcome := domain.WebhookOutcome{
		StatusCode:      reply.Status,
		ResponseMessage: responseMessage(reply),
		OrderIDs:        externalIDs,
		IdempotencyKey:  key,
		ProcessingMS:    finished.Sub(started).Milliseconds(),
		Success:         reply.Status == http.StatusOK || reply.Status == http.StatusMultiStatus,
		CompletedAt:     finished,
	}
	if err := c.deps.Audit.CompleteWebhookLog(context.WithoutCancel(ctx), id, outcome); err != nil {
		log.Printf("[batch] WARN: complete webhook log %s: %v", id, err)
	}
}

func decodeRequest(body []byte, single bool) (domain.BatchRequest, error) {
	var req domain.BatchRequest
	if len(strings.TrimSpace(string(body))) == 0 {
		return req, errors.New("request body is required")
	}
	if single {
		var envelope struct {
			APIKey         string `json:"api_key"`
			IdempotencyKey string `json:"idempotency_key"`
			RegisterID     string `json:"register_id"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return req, err
		}
		req = domain.BatchRequest{
			APIKey:         envelope.APIKey,
			IdempotencyKey: envelope.IdempotencyKey,
			RegisterID:     envelope.RegisterID,
		}
		req.AddOrder(domain.DecodeExternalOrder(body))
		return req, nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, err
	}
	return req, nil
}

// rejectedResult reports an order that could not be decoded. It never reaches
// the pipeline and fails at the received stage.
func rejectedResult(order domain.ExternalOrder, err error) domain.OrderResult {
	return domain.OrderResult{
		ExternalOrderID: string(order.OrderID),
		Stage:           domain.StageFailed,
		LastStage:       domain.StageReceived,
		ErrorKind:       domain.KindValidation,
		Error:           fmt.Sprintf("order fields are not well-typed: %v", err),
	}
}

func errorReply(status int, err error) Reply {
	tagged := domain.AsError(err)
	msg := tagged.Message
	if status >= http.StatusInternalServerError {
		msg = "internal server error"
	}
	return Reply{Status: status, Body: mustEncode(domain.BatchResponse{
		Status:    domain.BatchError,
		Error:     &msg,
		ErrorKind: tagged.Kind,
	})}
}

func responseMessage(reply Reply) string {
	var decoded struct {
		Status string  `json:"status"`
		Error  *string `json:"error"`
	}
	if err := json.Unmarshal(reply.Body, &decoded); err != nil {
		return http.StatusText(reply.Status)
	}
	if decoded.Error != nil {
		return *decoded.Error
	}
	return decoded.Status
}

func mustEncode(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("[batch] encode response: %v", err)
		return []byte(`{"status":"error","data":null,"error":"internal server error","error_kind":"InternalError"}`)
	}
	return raw
}
