package station

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gogogo1024/ocppgate/internal/store"
	"github.com/gogogo1024/ocppgate/ocpp16"
	"github.com/gogogo1024/ocppgate/routing"
)

func (e *Endpoint) BootNotification(ctx context.Context, req ocpp16.BootNotification) (ocpp16.BootNotificationResponse, error) {
	switch {
	case req.ChargeBoxSerialNumber != "":
		e.setID(req.ChargeBoxSerialNumber)
	case req.ChargePointSerialNumber != "":
		e.setID(req.ChargePointSerialNumber)
	}
	now := e.now()
	info := store.BootInfo{
		Vendor:          req.ChargePointVendor,
		Model:           req.ChargePointModel,
		SerialNumber:    req.ChargePointSerialNumber,
		FirmwareVersion: req.FirmwareVersion,
	}
	if err := e.store.RecordBoot(ctx, e.ID(), info, now); err != nil {
		return ocpp16.BootNotificationResponse{}, fmt.Errorf("record boot: %w", err)
	}
	return ocpp16.BootNotificationResponse{
		Status:      ocpp16.RegistrationAccepted,
		CurrentTime: now,
		Interval:    int(e.cfg.HeartbeatInterval.Seconds()),
	}, nil
}

// AfterBootNotification marks the whole charge point available once the
// boot was accepted.
func (e *Endpoint) AfterBootNotification(ctx context.Context, f routing.Fields) error {
	vendor, _ := f.String("chargePointVendor")
	model, _ := f.String("chargePointModel")
	e.log.Info("charge point booted",
		zap.String("station", e.ID()),
		zap.String("vendor", vendor),
		zap.String("model", model))
	return e.store.SetConnectorStatus(ctx, e.ID(), 0, store.ConnectorStatus{
		Status:    string(ocpp16.StatusAvailable),
		ErrorCode: string(ocpp16.ErrorNone),
		UpdatedAt: e.now(),
	})
}

func (e *Endpoint) Heartbeat(ctx context.Context, req ocpp16.Heartbeat) (ocpp16.HeartbeatResponse, error) {
	now := e.now()
	if err := e.store.Heartbeat(ctx, e.ID(), now); err != nil {
		return ocpp16.HeartbeatResponse{}, fmt.Errorf("heartbeat: %w", err)
	}
	return ocpp16.HeartbeatResponse{CurrentTime: now}, nil
}

func (e *Endpoint) Authorize(ctx context.Context, req ocpp16.Authorize) (ocpp16.AuthorizeResponse, error) {
	info, err := e.authorize(ctx, req.IdTag)
	if err != nil {
		return ocpp16.AuthorizeResponse{}, err
	}
	return ocpp16.AuthorizeResponse{IdTagInfo: info}, nil
}

func (e *Endpoint) authorize(ctx context.Context, tag string) (ocpp16.IdTagInfo, error) {
	t, err := e.store.Authorize(ctx, tag, e.now())
	if err != nil {
		return ocpp16.IdTagInfo{}, fmt.Errorf("authorize %s: %w", tag, err)
	}
	return ocpp16.IdTagInfo{
		Status:      ocpp16.AuthorizationStatus(t.Status),
		ExpiryDate:  t.ExpiresAt,
		ParentIdTag: t.ParentTag,
	}, nil
}

func (e *Endpoint) StatusNotification(ctx context.Context, req ocpp16.StatusNotification) (ocpp16.StatusNotificationResponse, error) {
	at := e.now()
	if req.Timestamp != nil {
		at = req.Timestamp.UTC()
	}
	err := e.store.SetConnectorStatus(ctx, e.ID(), req.ConnectorId, store.ConnectorStatus{
		Status:    string(req.Status),
		ErrorCode: string(req.ErrorCode),
		Info:      req.Info,
		UpdatedAt: at,
	})
	if err != nil {
		return ocpp16.StatusNotificationResponse{}, fmt.Errorf("status notification: %w", err)
	}
	return ocpp16.StatusNotificationResponse{}, nil
}

// StartTransaction always allocates a transaction id; the charge point
// stops the transaction itself when the tag was not accepted.
func (e *Endpoint) StartTransaction(ctx context.Context, req ocpp16.StartTransaction) (ocpp16.StartTransactionResponse, error) {
	info, err := e.authorize(ctx, req.IdTag)
	if err != nil {
		return ocpp16.StartTransactionResponse{}, err
	}
	tx, err := e.store.StartTransaction(ctx, store.Transaction{
		StationID:   e.ID(),
		ConnectorID: req.ConnectorId,
		IDTag:       req.IdTag,
		MeterStart:  req.MeterStart,
		StartedAt:   req.Timestamp.UTC(),
	})
	if err != nil {
		return ocpp16.StartTransactionResponse{}, fmt.Errorf("start transaction: %w", err)
	}
	return ocpp16.StartTransactionResponse{IdTagInfo: info, TransactionId: tx.ID}, nil
}

// StopTransaction accepts stops for unknown or already stopped
// transactions so the charge point can drain its queue.
func (e *Endpoint) StopTransaction(ctx context.Context, req ocpp16.StopTransaction) (ocpp16.StopTransactionResponse, error) {
	_, err := e.store.StopTransaction(ctx, req.TransactionId, req.MeterStop, req.Timestamp.UTC(), req.Reason)
	switch {
	case errors.Is(err, store.ErrTransactionNotFound), errors.Is(err, store.ErrTransactionStopped):
		e.log.Warn("stop for inactive transaction",
			zap.String("station", e.ID()),
			zap.Int("transaction_id", req.TransactionId),
			zap.Error(err))
	case err != nil:
		return ocpp16.StopTransactionResponse{}, fmt.Errorf("stop transaction: %w", err)
	}

	var resp ocpp16.StopTransactionResponse
	if req.IdTag != "" {
		info, err := e.authorize(ctx, req.IdTag)
		if err != nil {
			return ocpp16.StopTransactionResponse{}, err
		}
		resp.IdTagInfo = &info
	}
	return resp, nil
}

func (e *Endpoint) AfterStopTransaction(ctx context.Context, f routing.Fields) error {
	id, _ := f.Int("transactionId")
	meterStop, _ := f.Int("meterStop")
	reason, _ := f.String("reason")
	e.log.Info("transaction stopped",
		zap.String("station", e.ID()),
		zap.Int64("transaction_id", id),
		zap.Int64("meter_stop", meterStop),
		zap.String("reason", reason))
	return nil
}

func (e *Endpoint) MeterValues(ctx context.Context, req ocpp16.MeterValues) (ocpp16.MeterValuesResponse, error) {
	samples := 0
	for _, mv := range req.MeterValue {
		samples += len(mv.SampledValue)
	}
	fields := []zap.Field{
		zap.String("station", e.ID()),
		zap.Int("connector_id", req.ConnectorId),
		zap.Int("samples", samples),
	}
	if req.TransactionId != nil {
		fields = append(fields, zap.Int("transaction_id", *req.TransactionId))
	}
	e.log.Debug("meter values", fields...)
	return ocpp16.MeterValuesResponse{}, nil
}

// DataTransfer is untyped: vendor payloads carry arbitrary fields.
func (e *Endpoint) DataTransfer(ctx context.Context, f routing.Fields) (any, error) {
	vendor, _ := f.String("vendorId")
	if !e.knownVendor(vendor) {
		return ocpp16.DataTransferResponse{Status: ocpp16.DataTransferUnknownVendorID}, nil
	}
	data, _ := f.String("data")
	return ocpp16.DataTransferResponse{Status: ocpp16.DataTransferAccepted, Data: data}, nil
}

func (e *Endpoint) knownVendor(vendor string) bool {
	for _, v := range e.cfg.Vendors {
		if v == vendor {
			return true
		}
	}
	return false
}
