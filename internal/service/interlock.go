package service

import (
	"context"
	"errors"
	"time"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/journal"
)

// busyRetry is how often a Stop rejected as busy is retried.
const busyRetry = 100 * time.Millisecond

// MotorStopper is the part of the motor needed by StopMotorOnInsert.
type MotorStopper interface {
	IsConnected() bool
	Stop(ctx context.Context) (domain.MotorResponse, error)
}

// StopMotorOnInsert stops a connected motor whenever a card is inserted. A
// Stop rejected because another command is in flight is retried until that
// command completes. It returns when ctx is done or events is closed.
func StopMotorOnInsert(ctx context.Context, cardEvents <-chan domain.CardEvent, motor MotorStopper, j *journal.Journal) {
	log := j.For("interlock")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cardEvents:
			if !ok {
				return
			}
			if ev.Type != domain.CardInserted || !motor.IsConnected() {
				continue
			}
			log.Info("Card inserted on %s, stopping motor", ev.Reader)
			if err := stopMotor(ctx, motor); err != nil && ctx.Err() == nil {
				log.Error("Stop on card insert failed: %v", err)
			}
		}
	}
}

func stopMotor(ctx context.Context, motor MotorStopper) error {
	for {
		_, err := motor.Stop(ctx)
		if !errors.Is(err, domain.ErrBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyRetry):
		}
	}
}
