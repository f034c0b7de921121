// Package store keeps charge point state for the central system.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStationNotFound     = errors.New("store: station not found")
	ErrTransactionNotFound = errors.New("store: transaction not found")
	ErrTransactionStopped  = errors.New("store: transaction already stopped")
	ErrInvalidArgument     = errors.New("store: invalid argument")
)

// Id tag statuses, matching the OCPP 1.6 authorization statuses.
const (
	TagAccepted = "Accepted"
	TagBlocked  = "Blocked"
	TagExpired  = "Expired"
	TagInvalid  = "Invalid"
)

type BootInfo struct {
	Vendor          string `json:"vendor"`
	Model           string `json:"model"`
	SerialNumber    string `json:"serial_number,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

type ConnectorStatus struct {
	Status    string    `json:"status"`
	ErrorCode string    `json:"error_code,omitempty"`
	Info      string    `json:"info,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Station struct {
	ID            string                  `json:"id"`
	Boot          BootInfo                `json:"boot"`
	BootedAt      time.Time               `json:"booted_at"`
	LastHeartbeat time.Time               `json:"last_heartbeat"`
	Connectors    map[int]ConnectorStatus `json:"connectors,omitempty"`
}

type IDTag struct {
	Tag       string     `json:"tag"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	ParentTag string     `json:"parent_tag,omitempty"`
}

type Transaction struct {
	ID          int        `json:"id"`
	StationID   string     `json:"station_id"`
	ConnectorID int        `json:"connector_id"`
	IDTag       string     `json:"id_tag"`
	MeterStart  int        `json:"meter_start"`
	StartedAt   time.Time  `json:"started_at"`
	MeterStop   *int       `json:"meter_stop,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// Store is the state backend shared by every charge point connection.
// Implementations are safe for concurrent use.
type Store interface {
	RecordBoot(ctx context.Context, stationID string, info BootInfo, at time.Time) error
	Heartbeat(ctx context.Context, stationID string, at time.Time) error
	SetConnectorStatus(ctx context.Context, stationID string, connectorID int, st ConnectorStatus) error

	// Authorize reports the status of tag at now. Unknown tags are Invalid.
	Authorize(ctx context.Context, tag string, now time.Time) (IDTag, error)
	AddIDTag(ctx context.Context, tag IDTag) error

	// StartTransaction allocates a transaction id and stores tx under it.
	StartTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	StopTransaction(ctx context.Context, id, meterStop int, at time.Time, reason string) (Transaction, error)

	Station(ctx context.Context, id string) (Station, error)
	// ListStations returns all stations ordered by id.
	ListStations(ctx context.Context) ([]Station, error)
}

func tagStatus(t IDTag, now time.Time) IDTag {
	if t.Status == "" {
		t.Status = TagAccepted
	}
	if t.Status == TagAccepted && t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		t.Status = TagExpired
	}
	return t
}

func validTagStatus(s string) bool {
	switch s {
	case "", TagAccepted, TagBlocked, TagExpired, TagInvalid:
		return true
	}
	return false
}
