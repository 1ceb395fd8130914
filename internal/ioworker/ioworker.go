// Package ioworker implements NetworkIoJob (spec §4.3): the per-I/O-worker
// driver that feeds parsed measurements to the scheduler, maintains a
// single-threaded local table cache, and periodically releases idle
// writer handles.
//
// Grounded on the teacher's internal/cli.Command.Run shape (parse,
// dispatch, handle a retryable error without losing the caller's input)
// and the "runnable step" capability spec §9 asks of a driven work loop.
package ioworker

import (
	"context"

	"github.com/calvinalkan/qdbingest/internal/catalog"
	"github.com/calvinalkan/qdbingest/internal/facade"
	"github.com/calvinalkan/qdbingest/internal/scheduler"
	"github.com/calvinalkan/qdbingest/internal/telemetry"
)

// localCache is the single-threaded name->TableUpdateDetails map spec
// §4.3 describes. It implements scheduler.LocalCache.
type localCache struct {
	byName map[string]*catalog.TableUpdateDetails
}

func newLocalCache() *localCache {
	return &localCache{byName: make(map[string]*catalog.TableUpdateDetails)}
}

func (c *localCache) Get(name string) (*catalog.TableUpdateDetails, bool) {
	d, ok := c.byName[name]
	return d, ok
}

func (c *localCache) Put(name string, d *catalog.TableUpdateDetails) {
	if _, ok := c.byName[name]; !ok {
		d.NIoWorkers++ // racy approximation, same status as NUpdates
	}
	c.byName[name] = d
}

func (c *localCache) Delete(name string) {
	delete(c.byName, name)
}

// pending is a measurement that could not be published because the queue
// reported full; it is retried from the busy list before the next
// dispatcher poll (spec §4.3: "backpressure").
type pending struct {
	connID int
	m      facade.Measurement
}

// NetworkIoJob is one I/O worker (spec §4.3).
type NetworkIoJob struct {
	id     int
	sched  *scheduler.Scheduler
	parser facade.Parser
	sink   telemetry.Sink
	clock  scheduler.Clock

	local *localCache
	busy  []pending

	minIdleMsBeforeWriterRelease int64
}

// Config configures the parts of NetworkIoJob not already owned by the
// Scheduler (spec §6 Configuration: minIdleMsBeforeWriterRelease).
type Config struct {
	MinIdleMsBeforeWriterRelease int64
}

// New returns a NetworkIoJob with worker id id.
func New(id int, sched *scheduler.Scheduler, parser facade.Parser, cfg Config, sink telemetry.Sink, clock scheduler.Clock) *NetworkIoJob {
	if sink == nil {
		sink = telemetry.Discard
	}
	if clock == nil {
		clock = scheduler.SystemClock
	}
	return &NetworkIoJob{
		id:                           id,
		sched:                       sched,
		parser:                      parser,
		sink:                        sink,
		clock:                       clock,
		local:                       newLocalCache(),
		minIdleMsBeforeWriterRelease: cfg.MinIdleMsBeforeWriterRelease,
	}
}

// Feed parses as many complete measurements out of buf as possible and
// attempts to dispatch each. It returns the number of bytes consumed from
// buf (the caller should keep the remainder for the next read) and
// armReady=false if any measurement had to be parked on the busy list
// (the connection's FD must not be re-armed until DrainBusy reports
// progress, spec §4.3).
func (j *NetworkIoJob) Feed(ctx context.Context, connID int, buf []byte) (consumed int, armReady bool, err error) {
	armReady = true

	for {
		m, adv, ok, err := j.parser.Next(buf[consumed:])
		if err != nil {
			return consumed, armReady, err
		}
		if !ok {
			if adv > 0 {
				consumed += adv // skipped line without a measurement
				continue
			}
			return consumed, armReady, nil
		}
		consumed += adv

		if !j.dispatch(ctx, connID, m) {
			armReady = false
		}
	}
}

// dispatch attempts scheduler.TryCommitRow once; on queue-full it parks m
// on the busy list and returns false.
func (j *NetworkIoJob) dispatch(ctx context.Context, connID int, m facade.Measurement) bool {
	ok, err := j.sched.TryCommitRow(ctx, j.local, m)
	if err != nil {
		j.sink.Event("row.error", map[string]any{"worker": j.id, "table": m.Name, "error": err.Error()})
		return true // non-retryable: row treated as consumed/dropped
	}
	if !ok {
		j.busy = append(j.busy, pending{connID: connID, m: m})
		return false
	}
	return true
}

// DrainBusy retries every parked measurement before the next dispatcher
// poll (spec §4.3). It returns true if the busy list fully drained
// (progress was made and the connection's FD may be re-armed).
func (j *NetworkIoJob) DrainBusy(ctx context.Context) bool {
	if len(j.busy) == 0 {
		return true
	}

	remaining := j.busy[:0]
	for _, p := range j.busy {
		ok, err := j.sched.TryCommitRow(ctx, j.local, p.m)
		if err != nil || ok {
			if err != nil {
				j.sink.Event("row.error", map[string]any{"worker": j.id, "table": p.m.Name, "error": err.Error()})
			}
			continue
		}
		remaining = append(remaining, p)
	}
	j.busy = remaining
	return len(j.busy) == 0
}

// Maintenance runs the idle-release sweep (spec §4.3): for each local
// table idle past minIdleMsBeforeWriterRelease, either release the writer
// (if this worker is the sole holder) or just drop the local cache entry.
// At most one RELEASE_WRITER is published per call, to bound tail latency.
func (j *NetworkIoJob) Maintenance() {
	nowMs := j.clock.NowMs()
	released := false

	for name, d := range j.local.byName {
		if nowMs-d.LastReceivedEpochMs < j.minIdleMsBeforeWriterRelease {
			continue
		}

		if d.NIoWorkers == 1 {
			if released {
				continue // at most one release per tick
			}
			if j.sched.PublishReleaseWriter(name) {
				if err := j.sched.MoveTableIdle(name); err != nil {
					j.sink.Event("table.idle_move_failed", map[string]any{"worker": j.id, "table": name, "error": err.Error()})
				}
				j.local.Delete(name)
				released = true
			}
			continue
		}

		d.NIoWorkers--
		j.local.Delete(name)
	}
}
