package chathub

import "dmchat/backend/internal/models"

// Client is one live push connection. A user may hold several at once
// (tabs, devices); the hub addresses them by connection id.
type Client interface {
	// GetConnID returns the unique identifier of this connection.
	GetConnID() string
	// GetUserID returns the authenticated user behind the connection.
	GetUserID() string

	// Deliver queues an envelope for writing without blocking. It returns
	// false when the connection is closed or its buffer is full.
	Deliver(models.Envelope) bool

	// Run starts the read and write pumps.
	Run()
	// Close stops the write pump; the read pump exits once the socket closes.
	Close()
}
