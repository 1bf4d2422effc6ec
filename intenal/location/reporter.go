package location

import (
	"context"
	"driver-client/intenal/domain"
	"log/slog"
	"sync"
	"time"
)

// Source is the device GPS port.
type Source interface {
	Sample(ctx context.Context) (domain.LocationSample, error)
}

type Emitter interface {
	Emit(eventType string, payload any) error
	Connected() bool
}

type API interface {
	PushLocation(ctx context.Context, sample domain.LocationSample) error
}

// Reporter samples device position on two cadences: a frequent one
// feeding the local map and the realtime channel, and a throttled one
// writing back to the server over REST. Only the last sample is kept.
type Reporter struct {
	slogger     *slog.Logger
	src         Source
	emitter     Emitter
	api         API
	driverID    string
	localEvery  time.Duration
	serverEvery time.Duration

	// local map update port, optional
	onLocal func(domain.LocationSample)

	mu   sync.Mutex
	last *domain.LocationSample
}

func NewReporter(slogger *slog.Logger, src Source, emitter Emitter, apiClient API, driverID string, localEvery, serverEvery time.Duration) *Reporter {
	return &Reporter{
		slogger:     slogger,
		src:         src,
		emitter:     emitter,
		api:         apiClient,
		driverID:    driverID,
		localEvery:  localEvery,
		serverEvery: serverEvery,
	}
}

// OnLocal registers the map-update callback. Must be set before Run.
func (r *Reporter) OnLocal(fn func(domain.LocationSample)) {
	r.onLocal = fn
}

// LastKnown returns the most recent valid sample. The tracker uses it
// as the route origin; the channel uses it in the join handshake.
func (r *Reporter) LastKnown() (domain.LocationSample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return domain.LocationSample{}, false
	}
	return *r.last, true
}

// LastLocation adapts LastKnown for the channel's join payload.
func (r *Reporter) LastLocation() *domain.Location {
	sample, ok := r.LastKnown()
	if !ok {
		return nil
	}
	loc := sample.Location()
	return &loc
}

// Run drives both cadences until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) {
	local := time.NewTicker(r.localEvery)
	server := time.NewTicker(r.serverEvery)
	defer local.Stop()
	defer server.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-local.C:
			r.sampleOnce(ctx)
		case <-server.C:
			r.writeBack(ctx)
		}
	}
}

func (r *Reporter) sampleOnce(ctx context.Context) {
	sample, err := r.src.Sample(ctx)
	if err != nil {
		r.slogger.Debug("cannot sample location", "action", "sample location", "error", err)
		return
	}
	if err := domain.ValidateSample(&sample); err != nil {
		r.slogger.Warn("dropping invalid location sample", "action", "sample location", "error", err)
		return
	}
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = time.Now().UTC()
	}

	r.mu.Lock()
	r.last = &sample
	r.mu.Unlock()

	if r.onLocal != nil {
		r.onLocal(sample)
	}
	if r.emitter.Connected() {
		err := r.emitter.Emit(domain.EventUpdateLocation, &domain.LocationEvent{
			DriverID: r.driverID,
			Location: sample.Location(),
		})
		if err != nil {
			r.slogger.Debug("cannot emit location", "action", "emit location", "error", err)
		}
	}
}

func (r *Reporter) writeBack(ctx context.Context) {
	sample, ok := r.LastKnown()
	if !ok {
		return
	}
	err := r.api.PushLocation(ctx, sample)
	if err != nil {
		// transient: the next cadence tick carries a fresher sample
		r.slogger.Warn("location write-back failed", "action", "push location", "error", err)
	}
}

// Fixed is a Source producing a constant position. It is the plug
// point where a real device GPS goes; the headless client uses it for
// bring-up and tests.
type Fixed struct {
	Lat float64
	Lng float64
}

func (f Fixed) Sample(ctx context.Context) (domain.LocationSample, error) {
	return domain.LocationSample{
		Latitude:   f.Lat,
		Longitude:  f.Lng,
		CapturedAt: time.Now().UTC(),
	}, nil
}
