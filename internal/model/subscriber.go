package model

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusExpired Status = "expired"
)

// ParseStatus normalises stored status strings; anything unrecognised is
// treated as offline.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOnline, "active":
		return StatusOnline
	case StatusExpired:
		return StatusExpired
	default:
		return StatusOffline
	}
}

type Subscriber struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Connections    uint      `json:"connections"`
	MaxConnections uint      `json:"max_connections"`
	ExpiryDate     time.Time `json:"expiry_date"`
	Status         Status    `json:"status"`
}

// EffectiveStatus is Expired whenever the expiry date has been reached,
// whatever the stored status says.
func (s Subscriber) EffectiveStatus(now time.Time) Status {
	if !s.ExpiryDate.After(now) {
		return StatusExpired
	}
	if s.Status == StatusExpired {
		return StatusOffline
	}
	return s.Status
}

// AtConnectionLimit reports connections >= max_connections.
func (s Subscriber) AtConnectionLimit() bool {
	return s.Connections >= s.MaxConnections
}

// SubscriberFromRecord decodes a subscribers row.
func SubscriberFromRecord(r Record) (Subscriber, error) {
	if r == nil {
		return Subscriber{}, fmt.Errorf("nil record")
	}
	id := r.ID()
	if id == "" {
		return Subscriber{}, fmt.Errorf("subscriber record has no id")
	}

	conns, err := r.Int("connections")
	if err != nil {
		return Subscriber{}, err
	}
	maxConns, err := r.Int("max_connections")
	if err != nil {
		return Subscriber{}, err
	}
	if conns < 0 || maxConns < 0 {
		return Subscriber{}, fmt.Errorf("subscriber %s has negative connection counts", id)
	}
	expiry, err := r.Time("expiry_date")
	if err != nil {
		return Subscriber{}, err
	}

	return Subscriber{
		ID:             id,
		Username:       r.String("username"),
		Connections:    uint(conns),
		MaxConnections: uint(maxConns),
		ExpiryDate:     expiry,
		Status:         ParseStatus(r.String("status")),
	}, nil
}
