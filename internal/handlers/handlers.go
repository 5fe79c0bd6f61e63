// Package handlers ships the example handler set wired by the worker
// command. Handlers see only the event payload; anything they need beyond it
// (SMTP, a CRM, a broker) they connect to themselves.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/magsoftware/dispatchbox/internal/registry"
)

// SendEmail simulates an email notification for a created order.
func SendEmail(logger *slog.Logger) registry.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, payload json.RawMessage) error {
		var p struct {
			CustomerID string `json:"customerId"`
		}
		_ = json.Unmarshal(payload, &p)
		if p.CustomerID == "" {
			p.CustomerID = "unknown"
		}
		time.Sleep(200 * time.Millisecond)
		logger.Info("email sent", "customer_id", p.CustomerID)
		return nil
	}
}

// PushToCRM simulates a CRM update.
func PushToCRM(logger *slog.Logger) registry.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, payload json.RawMessage) error {
		var p struct {
			OrderID string `json:"orderId"`
		}
		_ = json.Unmarshal(payload, &p)
		if p.OrderID == "" {
			p.OrderID = "unknown"
		}
		time.Sleep(100 * time.Millisecond)
		logger.Info("crm updated", "order_id", p.OrderID)
		return nil
	}
}

// RecordAnalytics simulates an analytics write.
func RecordAnalytics(logger *slog.Logger) registry.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, payload json.RawMessage) error {
		var p struct {
			OrderID string `json:"orderId"`
		}
		_ = json.Unmarshal(payload, &p)
		if p.OrderID == "" {
			p.OrderID = "unknown"
		}
		time.Sleep(50 * time.Millisecond)
		logger.Info("analytics recorded", "order_id", p.OrderID)
		return nil
	}
}

// Default builds the example registry.
func Default(logger *slog.Logger) (*registry.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := registry.New()
	for eventType, h := range map[string]registry.Handler{
		"order.created":           SendEmail(logger),
		"order.created.crm":       PushToCRM(logger),
		"order.created.analytics": RecordAnalytics(logger),
	} {
		if err := reg.Register(eventType, h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
