package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"getitdone/internal/domain"
	"getitdone/internal/models"
)

type unregisterPayload struct {
	DeviceID string `json:"device_id"`
}

// RegisterDeviceTokenHandlers wires token registration operations to tokens.
func RegisterDeviceTokenHandlers(w *QueueWorker, tokens domain.DeviceTokens) {
	w.Handle(models.OpRegisterToken, func(ctx context.Context, payload []byte) error {
		var reg models.DeviceRegistration
		if err := json.Unmarshal(payload, &reg); err != nil {
			return fmt.Errorf("decode registration: %w", err)
		}
		return tokens.RegisterDeviceToken(ctx, reg)
	})
	w.Handle(models.OpUnregisterToken, func(ctx context.Context, payload []byte) error {
		var p unregisterPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode unregistration: %w", err)
		}
		return tokens.UnregisterDeviceToken(ctx, p.DeviceID)
	})
}

// RegisterDevice registers a push token, queueing it at high priority on failure.
func (w *QueueWorker) RegisterDevice(ctx context.Context, reg models.DeviceRegistration) (*models.QueueItem, error) {
	if reg.Token == "" || reg.DeviceID == "" {
		return nil, errors.New("token and device_id are required")
	}
	return w.Submit(ctx, models.OpRegisterToken, reg, models.QueuePriorityHigh)
}

// UnregisterDevice removes a push token, queueing it on failure.
func (w *QueueWorker) UnregisterDevice(ctx context.Context, deviceID string) (*models.QueueItem, error) {
	if deviceID == "" {
		return nil, errors.New("device_id is required")
	}
	return w.Submit(ctx, models.OpUnregisterToken, unregisterPayload{DeviceID: deviceID}, models.QueuePriorityNormal)
}
