package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// DoRingingTimeout marks calls nobody picked up as missed. This also settles
// sessions that lost a glare race and clients that went away mid-ring.
func DoRingingTimeout() {
	now := time.Now()
	deadline := now.Add(-viper.GetDuration("calling.ring_timeout"))

	count, err := Signals.ExpireRinging(context.Background(), deadline, now)
	if err != nil {
		log.Error().Err(err).Msg("An error occurred when expiring ringing calls...")
		return
	}
	if count > 0 {
		log.Info().Int64("affected", count).Msg("Expired unanswered calls.")
	}
}

func DoAutoDatabaseCleanup() {
	deadline := time.Now().Add(-viper.GetDuration("calling.retention"))
	log.Debug().Time("deadline", deadline).Msg("Now cleaning up call history...")

	count, err := Signals.Purge(context.Background(), deadline)
	if err != nil {
		log.Error().Err(err).Msg("An error occurred when running database cleanup...")
		return
	}

	log.Debug().Int64("affected", count).Msg("Clean up call history accomplished.")
}
