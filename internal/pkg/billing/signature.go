package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/stripe/stripe-go/v83/webhook"
)

// SignatureHeader is the header carrying the provider signature.
const SignatureHeader = "Stripe-Signature"

// Envelope is the provider event without its classification.
type Envelope struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Object   json.RawMessage
}

type envelopeJSON struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Livemode bool   `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// DecodeEnvelope parses a raw event body. Only the type is mandatory.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var raw envelopeJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	raw.Type = strings.TrimSpace(raw.Type)
	if raw.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidPayload)
	}
	env := &Envelope{
		ID:       strings.TrimSpace(raw.ID),
		Type:     raw.Type,
		Livemode: raw.Livemode,
		Object:   raw.Data.Object,
	}
	if raw.Created > 0 {
		env.Created = time.Unix(raw.Created, 0).UTC()
	}
	return env, nil
}

// Verifier checks deliveries against an ordered list of signing secrets so
// secrets can be rotated without downtime.
type Verifier struct {
	secrets   []string
	tolerance time.Duration
}

func NewVerifier(secrets []string) *Verifier {
	clean := lo.Compact(lo.Map(secrets, func(s string, _ int) string { return strings.TrimSpace(s) }))
	return &Verifier{secrets: clean, tolerance: webhook.DefaultTolerance}
}

// Configured reports whether at least one secret is available.
func (v *Verifier) Configured() bool {
	return v != nil && len(v.secrets) > 0
}

// Verify tries each secret in order and stops at the first match.
func (v *Verifier) Verify(body []byte, header string) (*Envelope, error) {
	if !v.Configured() {
		return nil, ErrNotConfigured
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}

	var lastErr error
	for _, secret := range v.secrets {
		if err := webhook.ValidatePayloadWithTolerance(body, header, secret, v.tolerance); err != nil {
			lastErr = err
			continue
		}
		env, err := DecodeEnvelope(body)
		if err != nil {
			return nil, err
		}
		if env.ID == "" {
			return nil, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
		}
		return env, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}
