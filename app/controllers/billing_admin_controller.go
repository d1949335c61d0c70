package controllers

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/billing"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/jobqueue"
)

// BillingAdminController exposes operator endpoints under /internal/billing.
// reconciler, downgrades and linker are nil when the provider API key is
// not configured.
type BillingAdminController struct {
	reconciler *billing.Reconciler
	downgrades *billing.Downgrades
	linker     *billing.Linker
	queue      *jobqueue.Queue
	defaults   billing.Options
	validate   *validator.Validate
}

func NewBillingAdminController(
	reconciler *billing.Reconciler,
	downgrades *billing.Downgrades,
	linker *billing.Linker,
	queue *jobqueue.Queue,
	defaults billing.Options,
) *BillingAdminController {
	return &BillingAdminController{
		reconciler: reconciler,
		downgrades: downgrades,
		linker:     linker,
		queue:      queue,
		defaults:   defaults,
		validate:   validator.New(),
	}
}

// DowngradeRequest is the body of POST /internal/billing/accounts/:id/downgrade.
type DowngradeRequest struct {
	Plan string `json:"plan" validate:"required,oneof=personal pro business enterprise"`
}

// HandleReconcile runs one reconciliation pass with optional
// ?lookahead=<seconds>&limit=<n> overrides.
func (bc *BillingAdminController) HandleReconcile(c *fiber.Ctx) error {
	if bc.reconciler == nil {
		return bc.handleError(c, billing.ErrProviderNotAvailable)
	}
	opts := bc.defaults
	if s := c.QueryInt("lookahead", 0); s > 0 {
		opts.Lookahead = time.Duration(s) * time.Second
	}
	if n := c.QueryInt("limit", 0); n > 0 {
		opts.BatchSize = n
	}

	report, err := bc.reconciler.Run(c.UserContext(), opts)
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(report)
}

func (bc *BillingAdminController) HandleScheduleDowngrade(c *fiber.Ctx) error {
	if bc.downgrades == nil {
		return bc.handleError(c, billing.ErrProviderNotAvailable)
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account_id"})
	}

	var req DowngradeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if err := bc.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_plan", "message": err.Error()})
	}
	plan, _ := entitlements.ParsePlan(req.Plan)

	result, err := bc.downgrades.Schedule(c.UserContext(), uint(id), plan)
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

func (bc *BillingAdminController) HandleCancelDowngrade(c *fiber.Ctx) error {
	if bc.downgrades == nil {
		return bc.handleError(c, billing.ErrProviderNotAvailable)
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account_id"})
	}

	result, err := bc.downgrades.Cancel(c.UserContext(), uint(id))
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// HandleEnsureCustomer links the account to a provider customer, creating
// one when none exists for its email.
func (bc *BillingAdminController) HandleEnsureCustomer(c *fiber.Ctx) error {
	if bc.linker == nil {
		return bc.handleError(c, billing.ErrProviderNotAvailable)
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_account_id"})
	}

	customerID, err := bc.linker.EnsureCustomer(c.UserContext(), uint(id))
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"account_id": id, "customer_id": customerID})
}

func (bc *BillingAdminController) HandleQueueStats(c *fiber.Ctx) error {
	stats, err := bc.queue.Stats(c.UserContext())
	if err != nil {
		log.Errorf("[Admin] Failed to read queue stats: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue_unavailable"})
	}
	return c.Status(fiber.StatusOK).JSON(stats)
}

func (bc *BillingAdminController) handleError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, billing.ErrAccountNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, billing.ErrNoSubscription), errors.Is(err, billing.ErrReconcileRunning):
		status = fiber.StatusConflict
	case errors.Is(err, billing.ErrInvalidDowngrade):
		status = fiber.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrProviderNotAvailable):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, billing.ErrProviderAPI):
		status = fiber.StatusBadGateway
	}
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[Admin] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{"error": billing.ErrorCode(err), "message": err.Error()})
}
