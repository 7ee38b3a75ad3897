package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// HubInfo describes a discovered hub. Ephemeral; produced by discovery.
type HubInfo struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	RelayPort int    `json:"relay_port"`
	TenantID  string `json:"tenant_id"`
	StoreID   string `json:"store_id"`
	Version   string `json:"version"`
}

// Addr returns the host:port address of the hub health endpoint.
func (h HubInfo) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// RelayAddr returns the host:port address devices dial for sync sessions.
func (h HubInfo) RelayAddr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.RelayPort)
}

// OfflineQueueItem a durably queued outbound message, kept until flushed
// after reconnect. Consumption is at-least-once.
type OfflineQueueItem struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}
