// Package store provides the durable record of notifications, preferences,
// templates, audit entries and dead letters.
//
// The notification record is the authoritative concurrency boundary: broker
// messages are event pointers, and any divergence between a message and the
// record resolves to the record's state.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Channel represents a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelInApp Channel = "IN_APP"
	ChannelPush  Channel = "PUSH"
	ChannelSMS   Channel = "SMS"
)

// ValidChannel reports whether c is a known channel.
func ValidChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelInApp, ChannelPush, ChannelSMS:
		return true
	}
	return false
}

// Priority determines queue selection and quiet-hours override.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityUrgent   Priority = "URGENT"
	PriorityCritical Priority = "CRITICAL"
)

// Rank orders priorities; higher means more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	case PriorityCritical:
		return 4
	}
	return 1
}

// QueuePriority maps a priority to the broker's 0-10 message priority.
func (p Priority) QueuePriority() uint8 {
	switch p {
	case PriorityHigh:
		return 5
	case PriorityUrgent:
		return 8
	case PriorityCritical:
		return 10
	}
	return 0
}

// IsPriorityLane reports whether the priority routes through the priority queue.
func (p Priority) IsPriorityLane() bool {
	return p.Rank() >= PriorityHigh.Rank()
}

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityCritical:
		return true
	}
	return false
}

// State is the lifecycle state of a notification.
type State string

const (
	StatePending  State = "PENDING"
	StateQueued   State = "QUEUED"
	StateRendered State = "RENDERED"
	StateSending  State = "SENDING"
	StateSent     State = "SENT"
	StateFailed   State = "FAILED"
	StateDead     State = "DEAD"
	StateArchived State = "ARCHIVED"
)

// Terminal reports whether the state admits no further delivery attempts.
func (s State) Terminal() bool {
	switch s {
	case StateSent, StateDead, StateArchived:
		return true
	}
	return false
}

// Type is the domain event category of a notification.
type Type string

const (
	TypePasswordReset       Type = "PASSWORD_RESET"
	TypeHiveInvitation      Type = "HIVE_INVITATION"
	TypeBuddyRequest        Type = "BUDDY_REQUEST"
	TypeAchievementUnlocked Type = "ACHIEVEMENT_UNLOCKED"
	TypeSystemAlert         Type = "SYSTEM_ALERT"
)

// Frequency is the delivery cadence from user preferences.
type Frequency string

const (
	FrequencyImmediate    Frequency = "IMMEDIATE"
	FrequencyDigestHourly Frequency = "DIGEST_HOURLY"
	FrequencyDigestDaily  Frequency = "DIGEST_DAILY"
	FrequencyDigestWeekly Frequency = "DIGEST_WEEKLY"
	FrequencyOff          Frequency = "OFF"
)

// StringMap is a JSONB-backed string map column.
type StringMap map[string]string

// Value implements driver.Valuer for database storage.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(map[string]string{})
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval.
func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, m)
}

// ChannelList is a JSONB-backed channel set column.
type ChannelList []Channel

// Value implements driver.Valuer for database storage.
func (c ChannelList) Value() (driver.Value, error) {
	if c == nil {
		return json.Marshal([]Channel{})
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner for database retrieval.
func (c *ChannelList) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, c)
}

// Contains reports whether the list contains ch.
func (c ChannelList) Contains(ch Channel) bool {
	for _, v := range c {
		if v == ch {
			return true
		}
	}
	return false
}

// Notification is the persistent notification record.
type Notification struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	UserID     string      `json:"user_id" db:"user_id"`
	Type       Type        `json:"type" db:"type"`
	Priority   Priority    `json:"priority" db:"priority"`
	Title      string      `json:"title" db:"title"`
	Content    string      `json:"content" db:"content"`
	TemplateID *string     `json:"template_id,omitempty" db:"template_id"`
	Variables  StringMap   `json:"variables,omitempty" db:"variables"`
	Locale     string      `json:"locale,omitempty" db:"locale"`
	Channels   ChannelList `json:"channels" db:"channels"`
	Metadata   StringMap   `json:"metadata,omitempty" db:"metadata"`
	State      State       `json:"state" db:"state"`
	Attempts   int         `json:"attempts" db:"attempts"`
	MaxRetries int         `json:"max_retries" db:"max_retries"`
	LastError  *string     `json:"last_error,omitempty" db:"last_error"`
	Reason     *string     `json:"reason,omitempty" db:"reason"`
	IsRead     bool        `json:"is_read" db:"is_read"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at" db:"updated_at"`
	SentAt     *time.Time  `json:"sent_at,omitempty" db:"sent_at"`
	ReadAt     *time.Time  `json:"read_at,omitempty" db:"read_at"`
	DeletedAt  *time.Time  `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Preferences is one record per (user_id, category). Category "*" is the
// user-level default; the most specific record wins.
type Preferences struct {
	UserID          string      `json:"user_id" db:"user_id"`
	Category        string      `json:"category" db:"category"`
	ChannelsEnabled ChannelList `json:"channels_enabled" db:"channels_enabled"`
	Frequency       Frequency   `json:"frequency" db:"frequency"`
	QuietStart      string      `json:"quiet_start,omitempty" db:"quiet_start"` // "22:00"
	QuietEnd        string      `json:"quiet_end,omitempty" db:"quiet_end"`     // "08:00"
	Timezone        string      `json:"timezone,omitempty" db:"timezone"`
	DeferInQuiet    bool        `json:"defer_in_quiet" db:"defer_in_quiet"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// Template is a channel- and locale-specific message template.
// Cache entries are keyed by version to permit safe hot swap.
type Template struct {
	ID        string    `json:"id" db:"id"`
	Channel   Channel   `json:"channel" db:"channel"`
	Locale    string    `json:"locale" db:"locale"`
	Subject   string    `json:"subject,omitempty" db:"subject"`
	Body      string    `json:"body" db:"body"`
	HTML      bool      `json:"html" db:"html"`
	Version   int       `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DeadLetter is an immutable record of a message the system gave up on.
type DeadLetter struct {
	ID             uuid.UUID `json:"id" db:"id"`
	NotificationID uuid.UUID `json:"notification_id" db:"notification_id"`
	Queue          string    `json:"queue" db:"queue"`
	Body           []byte    `json:"body" db:"body"`
	FirstError     string    `json:"first_error" db:"first_error"`
	LastError      string    `json:"last_error" db:"last_error"`
	Attempts       int       `json:"attempts" db:"attempts"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// AuditEntry records a single state change with its actor and timing.
type AuditEntry struct {
	ID             uuid.UUID `json:"id" db:"id"`
	NotificationID uuid.UUID `json:"notification_id" db:"notification_id"`
	FromState      State     `json:"from_state" db:"from_state"`
	ToState        State     `json:"to_state" db:"to_state"`
	Detail         string    `json:"detail,omitempty" db:"detail"`
	WorkerID       string    `json:"worker_id,omitempty" db:"worker_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ListFilter narrows ListByUser results.
type ListFilter struct {
	IsRead *bool
	Type   *Type
}

// Page is a pagination request.
type Page struct {
	Number int
	Size   int
}

// Offset returns the SQL offset for the page.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.Size
}

// Limit returns the SQL limit for the page, with defaults applied.
func (p Page) Limit() int {
	if p.Size <= 0 {
		return 20
	}
	if p.Size > 100 {
		return 100
	}
	return p.Size
}

// ArchivedRow is one exported archive record.
type ArchivedRow struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	Type       Type      `json:"type"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	ArchivedAt time.Time `json:"archived_at"`
}
