// Package provider defines the boundary between the messaging core and a
// WhatsApp transport. Vendor field names stay behind implementations.
package provider

import (
	"context"
	"net/url"

	"github.com/unclebandit/whatsapp-delivery-core/internal/model"
)

type SendResult struct {
	ProviderMessageID string
}

type Provider interface {
	// SignatureHeader names the request header carrying the webhook signature.
	SignatureHeader() string
	VerifySignature(fullURL string, params url.Values, signature string) bool
	ParseInbound(params url.Values) (model.InboundDraft, error)
	Send(ctx context.Context, msg model.OutboundMessage) (SendResult, error)
}
