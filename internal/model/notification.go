package model

import (
	"errors"
	"time"
)

type NotificationKind string

const (
	NotifyLowBalance           NotificationKind = "lowBalance"
	NotifyCriticalCredit       NotificationKind = "criticalCredit"
	NotifyTopUpReceipt         NotificationKind = "topUpReceipt"
	NotifyMeterAlert           NotificationKind = "meterAlert"
	NotifyDisconnect           NotificationKind = "disconnect"
	NotifyReconnect            NotificationKind = "reconnect"
	NotifyReconciliationReport NotificationKind = "reconciliationReport"
)

type NotificationChannel string

const (
	ChannelInApp NotificationChannel = "inApp"
	ChannelEmail NotificationChannel = "email"
	ChannelSMS   NotificationChannel = "sms"
)

type NotificationPriority string

const (
	PriorityNormal NotificationPriority = "normal"
	PriorityUrgent NotificationPriority = "urgent"
)

// Notification is a persisted, user-addressed message. Delivery transport is
// out of scope; the dispatcher stores the row and enqueues it for whatever
// channel worker picks it up. Cooldown and duplicate suppression are the
// caller's concern.
type Notification struct {
	ID        string               `json:"id"`
	Recipient string               `json:"recipient"`
	Kind      NotificationKind     `json:"kind"`
	Subject   string               `json:"subject"`
	Body      string               `json:"body"`
	Channel   NotificationChannel  `json:"channel"`
	Priority  NotificationPriority `json:"priority"`
	CreatedAt time.Time            `json:"created_at"`
}

func (n Notification) Validate() error {
	if n.Recipient == "" {
		return errors.New("recipient is required")
	}
	if n.Kind == "" {
		return errors.New("kind is required")
	}
	return nil
}
