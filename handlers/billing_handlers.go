package handlers

import (
	"net/http"
	"strconv"
	"time"

	"schoolhub/apperrors"
	"schoolhub/audit"
	"schoolhub/billing"

	"github.com/gin-gonic/gin"
)

func uintParam(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		return 0, apperrors.Validation(name, "must be a numeric id")
	}
	return uint(id), nil
}

func (h *Handler) ListPlans(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "ListPlans")
	defer span.End()

	plans, err := h.Billing.Plans(ctx)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

type UpdateSubscriptionRequest struct {
	CancelAtPeriodEnd *bool `json:"cancel_at_period_end" binding:"required"`
}

func (h *Handler) UpdateSubscription(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "UpdateSubscription")
	defer span.End()

	subscriptionID, err := uintParam(c, "id")
	if err != nil {
		respondError(c, span, err)
		return
	}
	var req UpdateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, span, err)
		return
	}

	sub, err := h.Billing.CancelAtPeriodEnd(ctx, subscriptionID, *req.CancelAtPeriodEnd)
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, sub.TenantID, audit.ActionSubscriptionSet, "subscription", strconv.FormatUint(uint64(sub.ID), 10), map[string]interface{}{
		"cancel_at_period_end": *req.CancelAtPeriodEnd,
	})
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

func (h *Handler) GenerateInvoice(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "GenerateInvoice")
	defer span.End()

	subscriptionID, err := uintParam(c, "id")
	if err != nil {
		respondError(c, span, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"subscription_id": subscriptionID})

	invoice, err := h.Billing.GenerateInvoice(ctx, subscriptionID)
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, invoice.TenantID, audit.ActionInvoiceGenerate, "invoice", invoice.InvoiceNumber, map[string]interface{}{
		"amount":          invoice.Amount,
		"subscription_id": subscriptionID,
	})
	c.JSON(http.StatusCreated, gin.H{"invoice": invoice})
}

type PayInvoiceRequest struct {
	Amount        float64 `json:"amount" binding:"required,gt=0"`
	Currency      string  `json:"currency" binding:"required"`
	TransactionID string  `json:"transaction_id" binding:"required"`
	PaymentMethod string  `json:"payment_method" binding:"required"`
}

func (h *Handler) PayInvoice(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "PayInvoice")
	defer span.End()

	invoiceID, err := uintParam(c, "id")
	if err != nil {
		respondError(c, span, err)
		return
	}

	var req PayInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, span, err)
		return
	}
	span.SetAttributes(map[string]interface{}{
		"invoice_id": invoiceID,
		"amount":     req.Amount,
	})

	payment, err := h.Billing.PayInvoice(ctx, invoiceID, billing.PaymentInput{
		Amount:        req.Amount,
		Currency:      req.Currency,
		TransactionID: req.TransactionID,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, payment.TenantID, audit.ActionInvoicePay, "invoice", strconv.FormatUint(uint64(invoiceID), 10), map[string]interface{}{
		"amount":         payment.Amount,
		"transaction_id": payment.TransactionID,
	})
	c.JSON(http.StatusOK, gin.H{"message": "Invoice paid successfully", "payment": payment})
}

// RunBilling runs one automatic billing pass on demand.
func (h *Handler) RunBilling(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "RunBilling")
	defer span.End()

	result, err := h.Billing.ProcessAutomaticBilling(ctx, time.Now())
	if err != nil {
		respondError(c, span, err)
		return
	}

	h.record(c, "", audit.ActionBillingRun, "billing", "", map[string]interface{}{
		"trials_converted": result.TrialsConverted,
		"renewed":          result.Renewed,
		"canceled":         result.Canceled,
		"past_due":         result.PastDue,
		"errors":           len(result.Errors),
	})
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *Handler) ListAuditLogs(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "ListAuditLogs")
	defer span.End()

	filter := audit.Filter{
		TenantID: c.Query("tenant_id"),
		Action:   c.Query("action"),
	}
	if raw := c.Query("admin_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(c, span, apperrors.Validation("admin_id", "must be a numeric id"))
			return
		}
		adminID := uint(id)
		filter.AdminID = &adminID
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, span, apperrors.Validation("limit", "must be an integer"))
			return
		}
		filter.Limit = limit
	}

	entries, err := h.Audit.List(ctx, filter)
	if err != nil {
		respondError(c, span, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
