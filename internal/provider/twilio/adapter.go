package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	twiliogo "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/unclebandit/whatsapp-delivery-core/internal/config"
	appErrors "github.com/unclebandit/whatsapp-delivery-core/internal/errors"
	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
	"github.com/unclebandit/whatsapp-delivery-core/internal/phone"
	"github.com/unclebandit/whatsapp-delivery-core/internal/provider"
)

const signatureHeader = "X-Twilio-Signature"

var ErrEmptySid = errors.New("twilio returned no message sid")

// MessageCreator is the slice of the Twilio REST API the adapter uses.
type MessageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

type Adapter struct {
	validator  client.RequestValidator
	messages   MessageCreator
	fromNumber string
	log        *zap.Logger
}

func New(cfg config.Twilio, log *zap.Logger) (*Adapter, error) {
	if cfg.AccountSID == "" {
		return nil, errors.New("twilio account sid is required")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("twilio whatsapp from number is required")
	}

	rest := twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return NewWithClient(cfg.AuthToken, cfg.FromNumber, rest.Api, log), nil
}

// NewWithClient wires an adapter around an existing message API.
func NewWithClient(authToken, fromNumber string, messages MessageCreator, log *zap.Logger) *Adapter {
	return &Adapter{
		validator:  client.NewRequestValidator(authToken),
		messages:   messages,
		fromNumber: fromNumber,
		log:        log.Named("twilio"),
	}
}

func (a *Adapter) SignatureHeader() string {
	return signatureHeader
}

func (a *Adapter) VerifySignature(fullURL string, params url.Values, signature string) bool {
	if signature == "" {
		a.log.Debug("Missing signature header")
		return false
	}

	ok := a.validator.Validate(fullURL, flatten(params), signature)
	if !ok {
		a.log.Warn("Invalid webhook signature",
			zap.String("url", fullURL),
			zap.Int("param_count", len(params)),
		)
	}
	return ok
}

// ParseInbound maps a Twilio webhook form onto the neutral draft and assigns
// a fresh correlation id.
func (a *Adapter) ParseInbound(params url.Values) (model.InboundDraft, error) {
	sid := strings.TrimSpace(params.Get("MessageSid"))
	from := strings.TrimSpace(params.Get("From"))
	to := strings.TrimSpace(params.Get("To"))

	switch {
	case sid == "":
		return model.InboundDraft{}, appErrors.Validation("twilio.parse", fmt.Errorf("%w: MessageSid", appErrors.ErrMissingField))
	case from == "":
		return model.InboundDraft{}, appErrors.Validation("twilio.parse", fmt.Errorf("%w: From", appErrors.ErrMissingField))
	case to == "":
		return model.InboundDraft{}, appErrors.Validation("twilio.parse", fmt.Errorf("%w: To", appErrors.ErrMissingField))
	}

	draft := model.InboundDraft{
		ProviderMessageID: sid,
		From:              from,
		To:                to,
		Body:              params.Get("Body"),
		CorrelationID:     uuid.NewString(),
	}

	if media := params.Get("MediaUrl0"); media != "" {
		if n, err := strconv.Atoi(params.Get("NumMedia")); err == nil && n > 0 {
			draft.MediaURL = &media
		}
	}

	return draft, nil
}

func (a *Adapter) Send(ctx context.Context, msg model.OutboundMessage) (provider.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.SendResult{}, err
	}

	params := &openapi.CreateMessageParams{}
	params.SetFrom(phone.WithPrefix(a.fromNumber))
	params.SetTo(phone.WithPrefix(msg.ToNumber))
	params.SetBody(msg.Body)

	resp, err := a.messages.CreateMessage(params)
	if err != nil {
		a.log.Error("Failed to send message",
			zap.String("message_out_id", msg.ID),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Error(err),
		)
		return provider.SendResult{}, err
	}

	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return provider.SendResult{}, ErrEmptySid
	}

	a.log.Info("Message sent",
		zap.String("message_out_id", msg.ID),
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("provider_message_id", *resp.Sid),
	)

	return provider.SendResult{ProviderMessageID: *resp.Sid}, nil
}

func flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

var _ provider.Provider = (*Adapter)(nil)
