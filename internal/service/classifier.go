package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/phone"
	"github.com/unclebandit/whatsapp-delivery-core/internal/queue"
)

var (
	stopKeywords = []string{"stop", "arrêt", "arret", "unsubscribe", "optout", "opt-out"}

	trailingPunct = regexp.MustCompile(`[.,!?]+$`)

	// catalogue reply code, e.g. A12
	clientCode = regexp.MustCompile(`^[A-Za-z]+\d+$`)
)

// IsStopMessage reports whether body asks to unsubscribe. Matching is
// case-insensitive and tolerates surrounding spaces and trailing punctuation.
func IsStopMessage(body string) bool {
	// a Caser is stateful, so one per call
	s := cases.Lower(language.Und).String(strings.TrimSpace(norm.NFC.String(body)))
	s = strings.TrimSpace(trailingPunct.ReplaceAllString(s, ""))
	if s == "" {
		return false
	}

	for _, kw := range stopKeywords {
		if s == kw || strings.HasPrefix(s, kw+" ") {
			return true
		}
	}
	return false
}

// IsLiveSignal reports whether a message should open or extend a live session.
func IsLiveSignal(t model.MessageType, body string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || IsStopMessage(body) {
		return false
	}
	if t == model.MessageTypeSeller {
		return true
	}
	return clientCode.MatchString(trimmed)
}

type SellerDirectory interface {
	ListSellerPhones(ctx context.Context, tenantID string) ([]string, error)
}

type OptOutRecorder interface {
	Record(ctx context.Context, tenantID, number, correlationID string) (*model.OptOut, bool, error)
}

type SessionOpener interface {
	GetOrCreate(ctx context.Context, tenantID string) (*model.LiveSession, bool, error)
}

type stepKind int

const (
	stepDone stepKind = iota
	stepSkipped
	// side effect failed; logged and ignored
	stepDegraded
	// job must be retried
	stepFatal
)

type stepOutcome struct {
	name string
	kind stepKind
	err  error
}

// decide folds step outcomes into the job result. Only a fatal step fails
// the job; degraded steps were already reported.
func decide(outcomes ...stepOutcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.kind == stepFatal {
			errs = append(errs, o.err)
		}
	}
	return errors.Join(errs...)
}

// Classifier enriches inbound messages with the sender's role, records
// opt-outs and drives live sessions.
type Classifier struct {
	Sellers  SellerDirectory
	OptOuts  OptOutRecorder
	Sessions SessionOpener
	Events   *EventLogger
	Alerter  Alerter
	Log      *zap.Logger
}

func NewClassifier(sellers SellerDirectory, optOuts OptOutRecorder, sessions SessionOpener, events *EventLogger, alerter Alerter, log *zap.Logger) *Classifier {
	return &Classifier{
		Sellers:  sellers,
		OptOuts:  optOuts,
		Sessions: sessions,
		Events:   events,
		Alerter:  alerter,
		Log:      log.Named("classifier"),
	}
}

// Handle is the queue.Handler for classification jobs. A payload that cannot
// be decoded is poison and is dropped by the queue.
func (c *Classifier) Handle(ctx context.Context, job queue.Job) error {
	var cj model.ClassifyJob
	if err := job.Decode(&cj); err != nil {
		c.Log.Error("Undecodable classification job", zap.String("job_id", job.ID), zap.Error(err))
		return err
	}

	start := time.Now()
	enriched, err := c.Classify(ctx, cj.Inbound())
	if err != nil {
		c.Log.Error("Classification failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.String("correlation_id", cj.CorrelationID),
			zap.Error(err),
		)
		return err
	}

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("correlation_id", enriched.CorrelationID),
		zap.String("message_type", string(enriched.MessageType)),
		zap.Duration("took", time.Since(start)),
	}
	if enriched.LiveSessionID != nil {
		fields = append(fields, zap.String("live_session_id", *enriched.LiveSessionID))
	}
	c.Log.Info("Message classified", fields...)

	return nil
}

// Classify runs every step for one message. The returned error is non-nil
// only when the job should be retried.
func (c *Classifier) Classify(ctx context.Context, msg model.InboundMessage) (model.EnrichedInboundMessage, error) {
	out := model.EnrichedInboundMessage{InboundMessage: msg, MessageType: model.MessageTypeClient}

	msgType, actor := c.classifyActor(ctx, msg)
	if actor.kind == stepFatal {
		return out, decide(actor)
	}
	out.MessageType = msgType

	stop := c.recordStop(ctx, msg, msgType)
	sessionID, session := c.openSession(ctx, msg, msgType)
	out.LiveSessionID = sessionID

	return out, decide(actor, stop, session)
}

func (c *Classifier) classifyActor(ctx context.Context, msg model.InboundMessage) (model.MessageType, stepOutcome) {
	o := stepOutcome{name: "actor"}

	if msg.TenantID == nil {
		c.Log.Warn("Message without tenant treated as client", zap.String("correlation_id", msg.CorrelationID))
		o.kind = stepSkipped
		return model.MessageTypeClient, o
	}

	sellers, err := c.Sellers.ListSellerPhones(ctx, *msg.TenantID)
	if err != nil {
		o.kind = stepFatal
		o.err = appErrors.Infra("classifier.seller_phones", err)
		return model.MessageTypeClient, o
	}

	for _, s := range sellers {
		if phone.Same(s, msg.FromNumber) {
			return model.MessageTypeSeller, o
		}
	}
	return model.MessageTypeClient, o
}

func (c *Classifier) recordStop(ctx context.Context, msg model.InboundMessage, t model.MessageType) stepOutcome {
	o := stepOutcome{name: "opt_out"}
	if msg.TenantID == nil || t != model.MessageTypeClient || !IsStopMessage(msg.Body) {
		o.kind = stepSkipped
		return o
	}

	_, created, err := c.OptOuts.Record(ctx, *msg.TenantID, msg.FromNumber, msg.CorrelationID)
	if err != nil {
		c.degrade(ctx, "Failed to record opt-out", msg, err)
		o.kind = stepDegraded
		o.err = err
		return o
	}
	if !created {
		c.Log.Debug("Opt-out already recorded", zap.String("correlation_id", msg.CorrelationID))
	}
	return o
}

func (c *Classifier) openSession(ctx context.Context, msg model.InboundMessage, t model.MessageType) (*string, stepOutcome) {
	o := stepOutcome{name: "live_session"}
	if msg.TenantID == nil || !IsLiveSignal(t, msg.Body) {
		o.kind = stepSkipped
		return nil, o
	}
	tenantID := *msg.TenantID

	session, created, err := c.Sessions.GetOrCreate(ctx, tenantID)
	if err != nil {
		c.degrade(ctx, "Failed to get or create live session", msg, err)
		o.kind = stepDegraded
		o.err = err
		return nil, o
	}

	if created {
		logEventSafe(c.Log, model.EventLiveSessionCreated, msg.CorrelationID,
			c.Events.LiveSessionCreated(ctx, tenantID, session.ID, msg.CorrelationID))
	}

	id := session.ID
	return &id, o
}

// degrade reports a swallowed side-effect failure. A validation failure
// (a malformed number) only logs; anything else pages.
func (c *Classifier) degrade(ctx context.Context, msg string, in model.InboundMessage, err error) {
	fields := []zap.Field{zap.String("correlation_id", in.CorrelationID)}
	if in.TenantID != nil {
		fields = append(fields, zap.String("tenant_id", *in.TenantID))
	}

	if appErrors.KindOf(err) == appErrors.KindValidation {
		c.Log.Warn(msg, append(fields, zap.Error(err))...)
		return
	}
	c.Alerter.Critical(ctx, msg, err, fields...)
}
