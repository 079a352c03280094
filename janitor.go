package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/palaver-chat/palaver/gateway"
	"github.com/palaver-chat/palaver/metrics"
	"github.com/palaver-chat/palaver/rest"
	"github.com/palaver-chat/palaver/state"
	"github.com/palaver-chat/palaver/store"
)

const (
	janitorInterval = 30 * time.Minute

	// limiterIdleAge is how long a rate limiter bucket may sit unused
	// before the janitor reclaims it.
	limiterIdleAge = time.Hour
)

// Janitor periodically clears expired invites, timed out detached
// sessions and idle rate limiter buckets.
type Janitor struct {
	log   zerolog.Logger
	state *state.State
	store store.Repository
	gw    *gateway.Gateway
	api   *rest.Server

	done chan struct{}
}

// NewJanitor wires a janitor over the shared server components. Call
// Run on its own goroutine and Stop on shutdown.
func NewJanitor(logger zerolog.Logger, st *state.State, repo store.Repository, gw *gateway.Gateway, api *rest.Server) *Janitor {
	return &Janitor{
		log:   logger.With().Str("component", "janitor").Logger(),
		state: st,
		store: repo,
		gw:    gw,
		api:   api,
		done:  make(chan struct{}),
	}
}

// Run sweeps on a fixed interval until Stop is called.
func (j *Janitor) Run() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(time.Now())
		case <-j.done:
			return
		}
	}
}

// Stop ends the sweep loop.
func (j *Janitor) Stop() {
	close(j.done)
}

// Sweep runs a single janitor pass. Every expiry decision shares the
// same clock reading so an invite cannot expire halfway through.
func (j *Janitor) Sweep(now time.Time) {
	swept := j.state.SweepInvites(now)
	if len(swept) > 0 {
		ctx := context.Background()

		for _, invite := range swept {
			metrics.InvitesSwept.Inc()

			err := j.store.DeleteInvite(ctx, invite.Code)
			if err != nil {
				j.log.Warn().Err(err).Str("code", invite.Code).Msg("Deleting swept invite failed")
			}
		}

		j.log.Info().Int("invites", len(swept)).Msg("Swept expired invites")
	}

	sessions := j.gw.SweepSessions()
	if sessions > 0 {
		j.log.Info().Int("sessions", sessions).Msg("Swept detached sessions")
	}

	j.gw.SweepLimiters(limiterIdleAge)
	j.api.SweepLimiters(limiterIdleAge)
}
