// Copyright 2026 The HOMCC Authors
// SPDX-License-Identifier: Apache-2.0

package slot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/homcc/homcc/host"
)

// Selector picks a host for a job subject to its slot limit. Hosts
// are tried in file order; the first with a free slot wins. When a
// full pass acquires nothing, the selector waits a bounded interval
// and retries until the context ends.
type Selector struct {
	// Hosts in preference order.
	Hosts []*host.Host

	// Registry holding the machine's slot counters.
	Registry *Registry

	// RetryInterval between full failed passes. Defaults to 100ms.
	RetryInterval time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Acquire blocks until a slot on some host is reserved, returning
// the host and its reservation. The caller owns the reservation and
// must Release it.
func (s *Selector) Acquire(ctx context.Context) (*host.Host, *Reservation, error) {
	interval := s.RetryInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		for _, candidate := range s.Hosts {
			reservation, err := s.Registry.TryAcquire(candidate)
			if err == nil {
				return candidate, reservation, nil
			}
			if !errors.Is(err, ErrExhausted) {
				return nil, nil, err
			}
		}

		logger.Debug("all hosts busy, waiting", "interval", interval)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
