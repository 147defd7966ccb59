// Package database bounds how long a PostgreSQL call may hold a request.
package database

import (
	"context"
	"time"
)

// Deadlines are per-operation timeouts. Zero fields leave the parent context alone.
type Deadlines struct {
	Read    time.Duration
	Write   time.Duration
	Connect time.Duration
}

// DefaultDeadlines suit an interactive API backed by a local database.
var DefaultDeadlines = Deadlines{
	Read:    5 * time.Second,
	Write:   10 * time.Second,
	Connect: 30 * time.Second,
}

// ReadContext is for SELECT queries.
func (d Deadlines) ReadContext(parent context.Context) (context.Context, context.CancelFunc) {
	return within(parent, d.Read)
}

// WriteContext is for INSERT and UPDATE statements.
func (d Deadlines) WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return within(parent, d.Write)
}

// ConnectContext is for pool creation and the first ping.
func (d Deadlines) ConnectContext(parent context.Context) (context.Context, context.CancelFunc) {
	return within(parent, d.Connect)
}

func within(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
