package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is the closed set of provider notifications the engine understands.
// Every variant embeds eventMeta; isEvent keeps the set sealed to this package.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

type eventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m eventMeta) EventID() string   { return m.ID }
func (m eventMeta) EventType() string { return m.Type }
func (eventMeta) isEvent()            {}

type SubscriptionAction string

const (
	SubscriptionCreated SubscriptionAction = "created"
	SubscriptionUpdated SubscriptionAction = "updated"
	SubscriptionDeleted SubscriptionAction = "deleted"
)

type CheckoutCompleted struct {
	eventMeta
	SessionID         string
	ClientReferenceID string
	CustomerID        string
	Email             string
	Metadata          map[string]string
}

type SubscriptionChanged struct {
	eventMeta
	Action            SubscriptionAction
	SubscriptionID    string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	Price             Price
	Metadata          map[string]string
}

type InvoicePaid struct {
	eventMeta
	InvoiceID  string
	CustomerID string
	Email      string
	Prices     []Price
}

type InvoicePaymentFailed struct {
	eventMeta
	InvoiceID  string
	CustomerID string
	Email      string
}

type InvoiceActionRequired struct {
	eventMeta
	InvoiceID  string
	CustomerID string
	Email      string
}

type CustomerChanged struct {
	eventMeta
	CustomerID string
	Email      string
	Metadata   map[string]string
}

// UnknownEvent is any type the engine does not act on.
type UnknownEvent struct {
	eventMeta
}

// Provider event type names.
const (
	TypeCheckoutCompleted       = "checkout.session.completed"
	TypeSubscriptionCreated     = "customer.subscription.created"
	TypeSubscriptionUpdated     = "customer.subscription.updated"
	TypeSubscriptionDeleted     = "customer.subscription.deleted"
	TypeInvoicePaid             = "invoice.paid"
	TypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
	TypeInvoicePaymentFailed    = "invoice.payment_failed"
	TypeInvoiceActionRequired   = "invoice.payment_action_required"
	TypeCustomerCreated         = "customer.created"
	TypeCustomerUpdated         = "customer.updated"
)

// ParseEvent classifies an envelope into its variant.
func ParseEvent(env *Envelope) (Event, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrInvalidPayload)
	}
	meta := eventMeta{ID: env.ID, Type: env.Type, Created: env.Created}

	switch env.Type {
	case TypeCheckoutCompleted:
		var obj checkoutObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		email := obj.CustomerEmail
		if obj.CustomerDetails != nil && obj.CustomerDetails.Email != "" {
			email = obj.CustomerDetails.Email
		}
		return CheckoutCompleted{
			eventMeta:         meta,
			SessionID:         obj.ID,
			ClientReferenceID: strings.TrimSpace(obj.ClientReferenceID),
			CustomerID:        string(obj.Customer),
			Email:             normalizeEmail(email),
			Metadata:          obj.Metadata,
		}, nil

	case TypeSubscriptionCreated, TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var obj subscriptionObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		action := SubscriptionUpdated
		switch env.Type {
		case TypeSubscriptionCreated:
			action = SubscriptionCreated
		case TypeSubscriptionDeleted:
			action = SubscriptionDeleted
		}
		ev := SubscriptionChanged{
			eventMeta:         meta,
			Action:            action,
			SubscriptionID:    obj.ID,
			CustomerID:        string(obj.Customer),
			Status:            strings.ToLower(strings.TrimSpace(obj.Status)),
			CancelAtPeriodEnd: obj.CancelAtPeriodEnd,
			Metadata:          obj.Metadata,
		}
		if len(obj.Items.Data) > 0 && obj.Items.Data[0].Price != nil {
			ev.Price = obj.Items.Data[0].Price.toPrice()
		}
		return ev, nil

	case TypeInvoicePaid, TypeInvoicePaymentSucceeded:
		var obj invoiceObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		return InvoicePaid{
			eventMeta:  meta,
			InvoiceID:  obj.ID,
			CustomerID: string(obj.Customer),
			Email:      normalizeEmail(obj.CustomerEmail),
			Prices:     obj.prices(),
		}, nil

	case TypeInvoicePaymentFailed:
		var obj invoiceObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		return InvoicePaymentFailed{
			eventMeta:  meta,
			InvoiceID:  obj.ID,
			CustomerID: string(obj.Customer),
			Email:      normalizeEmail(obj.CustomerEmail),
		}, nil

	case TypeInvoiceActionRequired:
		var obj invoiceObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		return InvoiceActionRequired{
			eventMeta:  meta,
			InvoiceID:  obj.ID,
			CustomerID: string(obj.Customer),
			Email:      normalizeEmail(obj.CustomerEmail),
		}, nil

	case TypeCustomerCreated, TypeCustomerUpdated:
		var obj customerObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		return CustomerChanged{
			eventMeta:  meta,
			CustomerID: obj.ID,
			Email:      normalizeEmail(obj.Email),
			Metadata:   obj.Metadata,
		}, nil

	default:
		return UnknownEvent{eventMeta: meta}, nil
	}
}

func decodeObject(env *Envelope, dst any) error {
	if len(env.Object) == 0 {
		return fmt.Errorf("%w: %s event has no data.object", ErrInvalidPayload, env.Type)
	}
	if err := json.Unmarshal(env.Object, dst); err != nil {
		return fmt.Errorf("%w: decode %s object: %v", ErrInvalidPayload, env.Type, err)
	}
	return nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// expandableID accepts either a bare id or an expanded object with an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type priceObject struct {
	ID        string `json:"id"`
	LookupKey string `json:"lookup_key"`
	Recurring *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

func (p *priceObject) toPrice() Price {
	out := Price{ID: p.ID, LookupKey: p.LookupKey}
	if p.Recurring != nil {
		out.Interval = ParseInterval(p.Recurring.Interval)
	}
	return out
}

type checkoutObject struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          expandableID      `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          expandableID      `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			ID               string       `json:"id"`
			Price            *priceObject `json:"price"`
			CurrentPeriodEnd int64        `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type invoiceObject struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	CustomerEmail string       `json:"customer_email"`
	Lines         struct {
		Data []struct {
			Price   *priceObject `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price expandableID `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

// prices collects line item prices; newer API versions only carry the price
// id under pricing.price_details.
func (o *invoiceObject) prices() []Price {
	var out []Price
	for _, line := range o.Lines.Data {
		switch {
		case line.Price != nil && line.Price.ID != "":
			out = append(out, line.Price.toPrice())
		case line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "":
			out = append(out, Price{ID: string(line.Pricing.PriceDetails.Price)})
		}
	}
	return out
}

type customerObject struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}
