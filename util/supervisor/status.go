package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/bsv-blockchain/tracker/errors"
)

// Status is what a running subsystem instance tells the supervisor: either a healthy
// heartbeat or a fatal exit.
type Status struct {
	Subsystem  string
	Generation uint64
	Fatal      bool
	Err        error
	// Category is errors.GetErrorCategory(Err) for fatal statuses.
	Category string
	At       time.Time
}

// Reporter is handed to every subsystem instance. Only the first Fatal of an instance
// is delivered; Healthy may be dropped when the status mailbox is full.
type Reporter interface {
	Healthy()
	Fatal(err error)
}

type instanceReporter struct {
	subsystem  string
	generation uint64
	statusCh   chan<- Status
	// ctx is the instance context; sends give up once it is done.
	ctx       context.Context
	fatalOnce sync.Once
}

func (r *instanceReporter) Healthy() {
	select {
	case r.statusCh <- Status{Subsystem: r.subsystem, Generation: r.generation, At: time.Now()}:
	default:
	}
}

func (r *instanceReporter) Fatal(err error) {
	r.fatalOnce.Do(func() {
		if err == nil {
			err = errors.NewServiceError("%s exited without an error", r.subsystem)
		}

		st := Status{
			Subsystem:  r.subsystem,
			Generation: r.generation,
			Fatal:      true,
			Err:        err,
			Category:   errors.GetErrorCategory(err),
			At:         time.Now(),
		}

		select {
		case r.statusCh <- st:
		case <-r.ctx.Done():
		}
	})
}

// NopReporter discards every status. Useful when a subsystem is run outside a supervisor.
type NopReporter struct{}

func (NopReporter) Healthy()    {}
func (NopReporter) Fatal(error) {}
