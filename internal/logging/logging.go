// Package logging emits flat JSON log lines so checkout and webhook
// activity can be correlated by order number and payment reference.
package logging

import (
	"encoding/json"
	"log"
	"time"
)

type Fields struct {
	Component   string `json:"component"`
	OrderNumber string `json:"order_number,omitempty"`
	PaymentRef  string `json:"payment_ref,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	Step        string `json:"step,omitempty"`
	Status      string `json:"status,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

func Log(fields Fields) {
	payload := map[string]any{
		"component": fields.Component,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if fields.OrderNumber != "" {
		payload["order_number"] = fields.OrderNumber
	}
	if fields.PaymentRef != "" {
		payload["payment_ref"] = fields.PaymentRef
	}
	if fields.EventID != "" {
		payload["event_id"] = fields.EventID
	}
	if fields.Step != "" {
		payload["step"] = fields.Step
	}
	if fields.Status != "" {
		payload["status"] = fields.Status
	}
	if fields.DurationMS != 0 {
		payload["duration_ms"] = fields.DurationMS
	}
	if fields.Message != "" {
		payload["message"] = fields.Message
	}
	if fields.Error != "" {
		payload["error"] = fields.Error
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("{\"component\":%q,\"status\":\"log_error\",\"error\":%q}", fields.Component, err.Error())
		return
	}
	log.Print(string(data))
}
