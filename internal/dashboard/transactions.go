package dashboard

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/finomaly/finomaly/internal/docstore"
	"github.com/finomaly/finomaly/internal/txn"
	"github.com/finomaly/finomaly/internal/validation"
)

// SampleTransactions returns the demo records added by SeedTransactions.
func SampleTransactions(now time.Time) []txn.Record {
	ts := now.UTC().Format(time.RFC3339)
	return []txn.Record{
		{
			"transactionId": "TXN001",
			"amount":        12500.0,
			"account":       "****1234",
			"location":      "New York, NY",
			"status":        "completed",
			"riskLevel":     "low",
			"date":          ts,
		},
		{
			"transactionId": "TXN002",
			"amount":        50000.0,
			"account":       "****5678",
			"location":      "Los Angeles, CA",
			"status":        "pending",
			"riskLevel":     "high",
			"date":          ts,
		},
		{
			"transactionId": "TXN003",
			"amount":        75000.0,
			"account":       "****3456",
			"location":      "Miami, FL",
			"status":        "flagged",
			"riskLevel":     "critical",
			"date":          ts,
		},
	}
}

// ListTransactions returns the reconciled live transactions.
func (h *Handler) ListTransactions(c *gin.Context) {
	snap := h.live.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"transactions": snap.Transactions,
		"count":        len(snap.Transactions),
		"status":       snap.Status,
	})
}

// AddTransaction stores one transaction document. The document id is the
// record's own transaction id when it has one.
func (h *Handler) AddTransaction(c *gin.Context) {
	rec, ok := h.bindRecord(c)
	if !ok {
		return
	}
	id := txn.LookupString(rec, "", txn.IDFields...)
	h.putDocument(c, docstore.CollectionTransactions, id, rec)
}

// AddAlert stores one anomaly alert document.
func (h *Handler) AddAlert(c *gin.Context) {
	rec, ok := h.bindRecord(c)
	if !ok {
		return
	}
	alert := txn.AlertFromRecord("", rec)
	if errs := validation.Validate(
		validation.Required("transactionId", alert.TransactionID),
		validation.MaxLength("transactionId", alert.TransactionID, validation.MaxIDLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}
	id := txn.LookupString(rec, "", "alertId", "alert_id")
	h.putDocument(c, docstore.CollectionAlerts, id, rec)
}

// SeedTransactions adds the sample transactions.
func (h *Handler) SeedTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	ids := make([]string, 0, 3)
	for _, rec := range SampleTransactions(time.Now()) {
		id, err := h.docs.Put(ctx, docstore.CollectionTransactions, txn.LookupString(rec, "", txn.IDFields...), rec)
		if err != nil {
			h.logger.Error("seed transaction", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to add sample transactions"})
			return
		}
		ids = append(ids, id)
	}
	c.JSON(http.StatusCreated, gin.H{
		"added": len(ids),
		"ids":   ids,
	})
}

// DeleteAllTransactions empties the transactions collection.
func (h *Handler) DeleteAllTransactions(c *gin.Context) {
	n, err := h.docs.DeleteAll(c.Request.Context(), docstore.CollectionTransactions)
	if err != nil {
		h.logger.Error("delete all transactions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// DeleteTransaction removes one transaction document.
func (h *Handler) DeleteTransaction(c *gin.Context) {
	id := c.Param("id")
	err := h.docs.Delete(c.Request.Context(), docstore.CollectionTransactions, id)
	if errors.Is(err, docstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "transaction not found"})
		return
	}
	if err != nil {
		h.logger.Error("delete transaction", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) bindRecord(c *gin.Context) (txn.Record, bool) {
	var rec txn.Record
	if err := c.ShouldBindJSON(&rec); err != nil || len(rec) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be a non-empty JSON object"})
		return nil, false
	}
	return rec, true
}

func (h *Handler) putDocument(c *gin.Context, collection, id string, rec txn.Record) {
	if id != "" && !validation.IsValidID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "id contains unsupported characters"})
		return
	}
	id, err := h.docs.Put(c.Request.Context(), collection, id, rec)
	if err != nil {
		h.logger.Error("put document", "collection", collection, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         id,
		"collection": collection,
	})
}
