package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper runs Machine.Sweep on an interval so stalled Processing jobs are
// reclaimed without operator involvement.
type Sweeper struct {
	machine *Machine
	log     zerolog.Logger
	stopCh  chan struct{}
}

// NewSweeper creates a sweeper over the machine.
func NewSweeper(m *Machine, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		machine: m,
		log:     logger.With().Str("component", "job_sweeper").Logger(),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background sweep loop. Interval defaults to 1 minute.
func (s *Sweeper) Start(interval time.Duration) {
	if interval == 0 {
		interval = time.Minute
	}

	s.log.Info().Dur("interval", interval).Msg("starting lease sweeper")
	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := s.machine.Sweep(ctx)
				cancel()
				if err != nil {
					s.log.Error().Err(err).Msg("sweep failed")
				} else if n > 0 {
					s.log.Info().Int("reclaimed", n).Msg("sweep reclaimed stalled jobs")
				}

			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("lease sweeper stopped")
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}
