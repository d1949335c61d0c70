package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ReceiptFox/app/models"
	"github.com/ManuelReschke/ReceiptFox/app/repository"
)

// LinkHints are the identifiers an event offers for finding the account.
type LinkHints struct {
	ClientReferenceID string
	CustomerID        string
	Email             string
}

func (h LinkHints) empty() bool {
	return h.ClientReferenceID == "" && h.CustomerID == "" && h.Email == ""
}

// linkSource records which hint matched, for logs.
type linkSource string

const (
	linkByReference linkSource = "client_reference_id"
	linkByCustomer  linkSource = "customer_id"
	linkByEmail     linkSource = "email"
)

// Linker resolves provider customers to local accounts and persists the
// link. A link, once set, is never overwritten.
type Linker struct {
	accounts  repository.AccountRepository
	customers CustomerDirectory
}

// NewLinker creates a linker; customers may be nil when the provider API is
// not configured, which only disables EnsureCustomer.
func NewLinker(accounts repository.AccountRepository, customers CustomerDirectory) *Linker {
	return &Linker{accounts: accounts, customers: customers}
}

// Resolve finds the account for hints, trying the client reference id, then
// the linked customer id, then the email. It returns nil, nil when nothing
// matches. If hints carry a customer id and the match is not linked yet, the
// link is backfilled.
func (l *Linker) Resolve(ctx context.Context, hints LinkHints) (*models.User, error) {
	if hints.empty() {
		return nil, nil
	}
	account, source, err := l.find(ctx, hints)
	if err != nil || account == nil {
		return nil, err
	}
	if hints.CustomerID == "" || account.HasCustomer() {
		if account.HasCustomer() && hints.CustomerID != "" && account.CustomerID() != hints.CustomerID {
			log.Warnf("[Billing] Account %d is linked to %s, event carries customer %s; keeping existing link",
				account.ID, account.CustomerID(), hints.CustomerID)
		}
		return account, nil
	}

	// Another account may already own this customer; the existing link wins.
	owner, err := lookupAccount(l.accounts.GetByCustomerID(ctx, hints.CustomerID))
	if err != nil {
		return nil, err
	}
	if owner != nil && owner.ID != account.ID {
		log.Warnf("[Billing] Customer %s already linked to account %d, not linking account %d (matched by %s)",
			hints.CustomerID, owner.ID, account.ID, source)
		return owner, nil
	}

	return l.link(ctx, account, hints.CustomerID, source)
}

func (l *Linker) find(ctx context.Context, hints LinkHints) (*models.User, linkSource, error) {
	if id, ok := parseAccountRef(hints.ClientReferenceID); ok {
		account, err := lookupAccount(l.accounts.GetByID(ctx, id))
		if err != nil {
			return nil, "", err
		}
		if account != nil {
			return account, linkByReference, nil
		}
	}
	if hints.CustomerID != "" {
		account, err := lookupAccount(l.accounts.GetByCustomerID(ctx, hints.CustomerID))
		if err != nil {
			return nil, "", err
		}
		if account != nil {
			return account, linkByCustomer, nil
		}
	}
	if hints.Email != "" {
		account, err := lookupAccount(l.accounts.GetByEmail(ctx, hints.Email))
		if err != nil {
			return nil, "", err
		}
		if account != nil {
			return account, linkByEmail, nil
		}
	}
	return nil, "", nil
}

func (l *Linker) link(ctx context.Context, account *models.User, customerID string, source linkSource) (*models.User, error) {
	linked, err := l.accounts.LinkCustomer(ctx, account.ID, customerID)
	if err != nil {
		return nil, fmt.Errorf("link account %d to customer %s: %w", account.ID, customerID, err)
	}
	if !linked {
		// Lost a race with a concurrent link; reload to see the winner.
		return lookupAccount(l.accounts.GetByID(ctx, account.ID))
	}
	account.StripeCustomerID = &customerID
	log.Infof("[Billing] Linked account %d to customer %s (matched by %s)", account.ID, customerID, source)
	return account, nil
}

// EnsureCustomer returns the account's provider customer, finding one by
// email or creating it when the account is not linked yet.
func (l *Linker) EnsureCustomer(ctx context.Context, accountID uint) (string, error) {
	account, err := lookupAccount(l.accounts.GetByID(ctx, accountID))
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", ErrAccountNotFound
	}
	if account.HasCustomer() {
		return account.CustomerID(), nil
	}
	if l.customers == nil {
		return "", ErrProviderNotAvailable
	}

	customerID, err := l.customers.FindCustomerByEmail(ctx, account.Email)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		customerID, err = l.customers.CreateCustomer(ctx, account.Email, account.ID)
		if err != nil {
			return "", err
		}
		log.Infof("[Billing] Created customer %s for account %d", customerID, account.ID)
	}

	linked, err := l.Resolve(ctx, LinkHints{ClientReferenceID: strconv.FormatUint(uint64(account.ID), 10), CustomerID: customerID})
	if err != nil {
		return "", err
	}
	if linked == nil || linked.ID != account.ID {
		return "", fmt.Errorf("customer %s belongs to another account", customerID)
	}
	return linked.CustomerID(), nil
}

func lookupAccount(account *models.User, err error) (*models.User, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}

func parseAccountRef(ref string) (uint, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(ref, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
