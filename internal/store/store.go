// Package store holds the real-time message store backends behind channel.Store.
package store

import (
	"errors"

	"marketplace-chat/internal/channel"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store closed")

// Driver names accepted by configuration.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverNATS     = "nats"
	DriverRedis    = "redis"
)

var (
	_ channel.Store = (*MemoryStore)(nil)
	_ channel.Store = (*PostgresStore)(nil)
	_ channel.Store = (*JetStreamStore)(nil)
	_ channel.Store = (*RedisStore)(nil)
)
