// Package sms holds the command-lifecycle and modem-pool entities driven
// by the SMS gateway (C4).
package sms

import "time"

// CommandStatus enumerates the lifecycle states of an outbound command.
type CommandStatus string

const (
	StatusSent       CommandStatus = "sent"
	StatusSuccessful CommandStatus = "successful"
	StatusNoReply    CommandStatus = "no_reply"
	StatusFailed     CommandStatus = "failed"
)

// Direction distinguishes outgoing command history from incoming replies.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// CommandOutbox is a queued, not-yet-sent command.
type CommandOutbox struct {
	ID          int64
	IMEI        int64
	SimNo       string
	Text        string
	SendMethod  string // "sms"
	RetryCount  int
	CreatedAt   time.Time
	ConfigID    *int64
	UserID      *int64
}

// CommandSent is a command that has been transmitted and is awaiting a
// reply (or timeout).
type CommandSent struct {
	ID          int64
	OutboxID    int64
	IMEI        int64
	SimNo       string
	Text        string
	SendMethod  string
	ModemID     int64
	ModemName   string
	Status      CommandStatus
	Response    string
	SentAt      time.Time
	ConfigID    *int64
	UserID      *int64
}

// CommandInbox is a raw inbound SMS read off a modem before being matched
// (or not) to an outstanding command.
type CommandInbox struct {
	ID        int64
	ModemID   int64
	SimNo     string
	Text      string
	ReceivedAt time.Time
}

// CommandHistory is the terminal, append-only record of a command's
// outcome or an unmatched inbound reply.
type CommandHistory struct {
	ID         int64
	IMEI       int64
	SimNo      string
	Text       string
	Direction  Direction
	Status     CommandStatus
	ModemID    *int64
	ModemName  string
	ConfigID   *int64
	UserID     *int64
	RecordedAt time.Time
}

// HealthStatus enumerates modem health as tracked by the selector.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnknown   HealthStatus = "unknown"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ModemConfig is a cellular SMS gateway modem's credentials and quota state.
type ModemConfig struct {
	ID               int64
	Name             string
	Host             string
	SimSlotID        string
	EncryptedPassword string
	Enabled          bool
	HealthStatus     HealthStatus
	SMSSentToday     int
	DailyLimit       int
	Priority         int
	AllowedServices  []string // e.g. "commands", "alarms"
}

// HasQuota reports whether the modem has remaining daily quota.
func (m ModemConfig) HasQuota() bool {
	return m.DailyLimit <= 0 || m.SMSSentToday < m.DailyLimit
}

// Allows reports whether the modem's allowed-service set includes service.
func (m ModemConfig) Allows(service string) bool {
	for _, s := range m.AllowedServices {
		if s == service {
			return true
		}
	}
	return false
}

// ModemUsage is the per-(modem, date) daily usage counter row.
type ModemUsage struct {
	ModemID  int64
	Date     time.Time
	SMSUsed  int
}

// Unit is the subset of the `unit` table the selector needs: whether a
// device pins a specific modem for outbound commands.
type Unit struct {
	IMEI    int64
	ModemID *int64
}
