// Package main provides ingestd, the ingestion daemon (spec §4, §6): it
// accepts line-protocol connections, dispatches parsed measurements through
// the writer-thread pool, and periodically rebalances and releases idle
// writers.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/calvinalkan/qdbingest/internal/catalog"
	"github.com/calvinalkan/qdbingest/internal/config"
	"github.com/calvinalkan/qdbingest/internal/iofile"
	"github.com/calvinalkan/qdbingest/internal/ioworker"
	"github.com/calvinalkan/qdbingest/internal/lineproto"
	"github.com/calvinalkan/qdbingest/internal/queue"
	"github.com/calvinalkan/qdbingest/internal/scheduler"
	"github.com/calvinalkan/qdbingest/internal/tablestore"
	"github.com/calvinalkan/qdbingest/internal/telemetry"
	"github.com/calvinalkan/qdbingest/internal/wire"
	"github.com/calvinalkan/qdbingest/internal/writerjob"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, errOut *os.File) int {
	cfg, err := parseConfig(args, errOut)
	if err != nil {
		fmt.Fprintln(errOut, "ingestd:", err)
		return 2
	}

	sink := telemetry.NewLineSink(errOut)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := tablestore.Open(ctx, cfg.DataDir, iofile.NewReal())
	if err != nil {
		fmt.Fprintln(errOut, "ingestd: open table store:", err)
		return 1
	}
	defer store.Close()

	q, err := queue.New(cfg.WriterQueueCapacity, cfg.MaxMeasurementSize)
	if err != nil {
		fmt.Fprintln(errOut, "ingestd:", err)
		return 1
	}

	cat := catalog.New()
	sched := scheduler.New(scheduler.Config{
		NUpdatesPerLoadRebalance: cfg.NUpdatesPerLoadRebalance,
		MaxLoadRatio:             cfg.MaxLoadRatio,
		NWriterThreads:           cfg.NWriterThreads,
	}, cat, store, q, sink, nil)

	maintenanceEvery := time.Duration(cfg.MaintenanceHysteresisMs) * time.Millisecond

	var wg sync.WaitGroup

	for id := 0; id < cfg.NWriterThreads; id++ {
		cursor := q.NewCursor()
		wj := writerjob.New(wire.ThreadID(id), cursor, cat, store, writerjob.Config{
			MaxUncommittedRows:     cfg.MaxUncommittedRows,
			CommitHysteresisMicros: cfg.CommitHysteresisMicros,
			DefaultSymbolCapacity:  cfg.DefaultSymbolCapacity,
		}, sink, nil)

		wg.Add(1)
		go func(id int, wj *writerjob.WriterJob) {
			defer wg.Done()
			runWriterJob(ctx, wj, maintenanceEvery)
		}(id, wj)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fmt.Fprintln(errOut, "ingestd: listen:", err)
		return 1
	}
	sink.Event("listen", map[string]any{"addr": ln.Addr().String()})

	accepted := make([]chan net.Conn, cfg.NIoWorkers)
	for i := range accepted {
		accepted[i] = make(chan net.Conn)
	}

	for id := 0; id < cfg.NIoWorkers; id++ {
		job := ioworker.New(id, sched, lineproto.New(), ioworker.Config{
			MinIdleMsBeforeWriterRelease: cfg.MinIdleMsBeforeWriterRelease,
		}, sink, nil)

		wg.Add(1)
		go func(ch <-chan net.Conn, job *ioworker.NetworkIoJob) {
			defer wg.Done()
			runIoWorker(ctx, job, ch, maintenanceEvery, sink)
		}(accepted[id], job)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptLoop(ctx, ln, accepted, sink)
	}()

	<-ctx.Done()
	sink.Event("shutdown", map[string]any{"signal": "received"})
	_ = ln.Close()
	wg.Wait()

	return 0
}

// parseConfig layers defaults, an optional hujson file, and CLI flags, in
// that order (spec §6 precedence). A first pass extracts --config alone so
// the file can be loaded before the full flag set (whose defaults must
// reflect the file) is bound.
func parseConfig(args []string, errOut *os.File) (config.Config, error) {
	pre := pflag.NewFlagSet("ingestd-config", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(discardWriter{})
	configPath := pre.String("config", "", "path to config file (hujson)")
	if err := pre.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return config.Config{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}

	fs := pflag.NewFlagSet("ingestd", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.String("config", *configPath, "path to config file (hujson)")
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		return config.Config{}, err
	}

	if err := cfg.ResolvePartitionBy(); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// acceptLoop accepts connections and hands each to an I/O worker channel,
// round-robin (spec §4.3: connections are distributed across workers).
func acceptLoop(ctx context.Context, ln net.Listener, workers []chan net.Conn, sink telemetry.Sink) {
	defer ln.Close()

	next := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				sink.Event("accept.error", map[string]any{"error": err.Error()})
				return
			}
		}

		select {
		case workers[next] <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
		next = (next + 1) % len(workers)
	}
}

// connChunk is one read result handed from a connection's reader goroutine
// to the owning I/O worker loop. A nil data marks connection close.
type connChunk struct {
	connID int
	data   []byte
}

type connState struct {
	conn     net.Conn
	leftover []byte
	resume   chan struct{}
}

// runIoWorker is the single-threaded event loop for one NetworkIoJob (spec
// §4.3). It owns every connection handed to it over accept, serializing all
// Feed/DrainBusy/Maintenance calls on this goroutine so NetworkIoJob's
// internal local cache and busy list never need their own locking.
func runIoWorker(ctx context.Context, job *ioworker.NetworkIoJob, accept <-chan net.Conn, maintenanceEvery time.Duration, sink telemetry.Sink) {
	conns := make(map[int]*connState)
	chunks := make(chan connChunk, 256)
	nextConnID := 0
	paused := false

	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, cs := range conns {
				cs.conn.Close()
			}
			return

		case conn, ok := <-accept:
			if !ok {
				accept = nil
				continue
			}
			nextConnID++
			id := nextConnID
			cs := &connState{conn: conn, resume: make(chan struct{}, 1)}
			conns[id] = cs
			go connReadLoop(id, conn, chunks, cs.resume)

		case ch := <-chunks:
			cs, ok := conns[ch.connID]
			if !ok {
				continue
			}
			if ch.data == nil {
				cs.conn.Close()
				delete(conns, ch.connID)
				continue
			}

			buf := append(cs.leftover, ch.data...)
			consumed, armReady, err := job.Feed(ctx, ch.connID, buf)
			if err != nil {
				sink.Event("conn.parse_error", map[string]any{"conn": ch.connID, "error": err.Error()})
				cs.conn.Close()
				delete(conns, ch.connID)
				continue
			}

			cs.leftover = append(cs.leftover[:0], buf[consumed:]...)
			if armReady {
				signal1(cs.resume)
			} else {
				paused = true
			}

		case <-ticker.C:
			job.Maintenance()
			if paused && job.DrainBusy(ctx) {
				paused = false
				for _, cs := range conns {
					signal1(cs.resume)
				}
			}
		}
	}
}

// signal1 sends on ch without blocking if a signal is already pending.
func signal1(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// connReadLoop reads from conn and hands each chunk to out, waiting on
// resume after every read so the owning worker controls backpressure (spec
// §4.3 "do not re-arm the FD" translated to this goroutine-per-connection
// design).
func connReadLoop(connID int, conn net.Conn, out chan<- connChunk, resume <-chan struct{}) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- connChunk{connID: connID, data: data}
			<-resume
		}
		if err != nil {
			out <- connChunk{connID: connID}
			return
		}
	}
}

// runWriterJob loops DrainOnce for one writer thread, backing off briefly
// when the cursor has nothing new (spec §4.4 drainQueue run continuously).
func runWriterJob(ctx context.Context, wj *writerjob.WriterJob, maintenanceEvery time.Duration) {
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wj.Maintenance()
		default:
		}

		progressed, err := wj.DrainOnce()
		if err != nil {
			// an INCOMPLETE slot is never supposed to be observable; the
			// cursor does not advance past it, so this writer stalls here
			// rather than silently skip a slot it cannot interpret.
			time.Sleep(time.Millisecond)
			continue
		}
		if !progressed {
			time.Sleep(time.Millisecond)
		}
	}
}
