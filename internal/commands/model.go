// SPDX-License-Identifier: MIT

// Package commands implements the durable per-kiosk command queue. Kiosks
// poll for work, claim commands one at a time, and report the outcome;
// failures are retried with exponential backoff until max_retries is spent.
package commands

import (
	"encoding/json"
	"time"
)

// Status is a command's queue state. Completed, failed and cancelled are
// terminal and never transition again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type is a hardware instruction the kiosk firmware understands.
type Type string

const (
	TypeOpenLocker  Type = "open_locker"
	TypeBulkOpen    Type = "bulk_open"
	TypeBlock       Type = "block"
	TypeUnblock     Type = "unblock"
	TypeClearQueue  Type = "clear_queue"
	TypeBlinkLED    Type = "blink_led"
	TypeRestartUI   Type = "restart_ui"
	TypeSyncConfig  Type = "sync_config"
	TypePlaySound   Type = "play_sound"
	TypeShowMessage Type = "show_message"
)

// Valid reports whether t is a known command type.
func (t Type) Valid() bool {
	switch t {
	case TypeOpenLocker, TypeBulkOpen, TypeBlock, TypeUnblock, TypeClearQueue,
		TypeBlinkLED, TypeRestartUI, TypeSyncConfig, TypePlaySound, TypeShowMessage:
		return true
	}
	return false
}

// Command is one queued hardware instruction.
type Command struct {
	CommandID     string          `json:"command_id"`
	KioskID       string          `json:"kiosk_id"`
	Type          Type            `json:"command_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExecutedAt    time.Time       `json:"executed_at,omitempty"`
	CompletedAt   time.Time       `json:"completed_at,omitempty"`
}

const (
	// DefaultMaxRetries bounds redelivery attempts for commands enqueued
	// without an explicit budget.
	DefaultMaxRetries = 3

	// backoffBase scales the exponential retry delay: 2^n * backoffBase
	// where n is the retry count after the failure being recorded.
	backoffBase = 30 * time.Second
)

func backoffDelay(retryCount int) time.Duration {
	return (1 << uint(retryCount)) * backoffBase
}
