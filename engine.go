// Package dlcore is the concurrent download engine's public facade: a
// single Engine value wiring the Task Registry, Worker Pool, Scheduler,
// Coordinator, optional Persistence snapshot, and Instance Guard together,
// generalized from the original SDK's nng_dl_init/nng_dl_uninit pairing
// into an idiomatic Go constructor/Close.
package dlcore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gametools/dlcore/config"
	"github.com/gametools/dlcore/coordinator"
	"github.com/gametools/dlcore/errs"
	"github.com/gametools/dlcore/fetch"
	"github.com/gametools/dlcore/lockfile"
	"github.com/gametools/dlcore/logging"
	"github.com/gametools/dlcore/persist"
	"github.com/gametools/dlcore/pool"
	"github.com/gametools/dlcore/registry"
	"github.com/gametools/dlcore/scheduler"
)

// Version is the constant string exposed by Engine.Version, mirroring the
// original engine's own fixed version report.
const Version = "1.0.0"

// TaskId re-exports registry.TaskId so callers need not import the
// registry package directly.
type TaskId = registry.TaskId

// StateCode re-exports registry.StateCode.
type StateCode = registry.StateCode

const (
	Unknown      = registry.Unknown
	StartWaiting = registry.StartWaiting
	StartPending = registry.StartPending
	Started      = registry.Started
	StopPending  = registry.StopPending
	Stopped      = registry.Stopped
	Succeeded    = registry.Succeeded
	Failed       = registry.Failed
	Paused       = registry.Paused
)

// InitParams configures a new Engine, generalizing the original
// nng_dl_init_param_t (endpoint, save_tasks, cfg_path) into Go options.
type InitParams struct {
	// StorageRoot is locked by the Instance Guard (§4.K) for the Engine's
	// lifetime and, when SaveTasks is set and CfgPath is empty, holds the
	// default persistence database.
	StorageRoot string

	// Endpoint builds a download URL from a descriptor's save_name when its
	// URL field is empty: http://<Endpoint>/download_endpoint?filename=...
	Endpoint string

	// SaveTasks enables the durable registry snapshot (§4.J). CfgPath
	// overrides the default "<StorageRoot>/tasks.db" location.
	SaveTasks bool
	CfgPath   string

	Config *config.RuntimeConfig
	Logger *logging.Logger

	// MaxConcurrentTaskCount defaults to config.DefaultMaxConcurrentTaskCount.
	MaxConcurrentTaskCount int
	// DownloadSpeedLimitKiBs defaults to config.DefaultDownloadSpeedLimitKiBs.
	DownloadSpeedLimitKiBs int64
}

// Engine is the top-level handle for a concurrent download session. A
// process may hold more than one Engine only if each uses a distinct
// StorageRoot: the Instance Guard enforces this.
type Engine struct {
	reg    *registry.Registry
	pool   *pool.Pool
	coord  *coordinator.Coordinator
	sched  *scheduler.Scheduler
	store  *persist.Store
	lock   *lockfile.Lock
	client *fetch.Client
	cfg    *config.RuntimeConfig
	log    *logging.Logger

	speedLimitKiBs   atomic.Int64
	uploadSwitch     atomic.Bool
	uploadSpeedLimit atomic.Int64
}

// New constructs an Engine: acquires the Instance Guard, optionally opens
// and rehydrates from the persistence snapshot, and wires the Registry,
// Worker Pool, Scheduler, and Coordinator together.
func New(p InitParams) (*Engine, error) {
	if p.StorageRoot == "" {
		return nil, errs.New(errs.ParamError, "StorageRoot is required")
	}

	lock, ok, err := lockfile.Acquire(p.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("dlcore: acquire instance guard: %w", err)
	}
	if !ok {
		return nil, errs.New(errs.AlreadyInit, "another Engine already holds "+p.StorageRoot)
	}

	log := p.Logger
	if log == nil {
		log = logging.Default()
	}
	cfg := p.Config
	if cfg == nil {
		cfg = &config.RuntimeConfig{}
	}

	e := &Engine{
		reg:    registry.New(),
		client: fetch.NewClient(cfg),
		lock:   lock,
		cfg:    cfg,
		log:    log,
	}

	maxConcurrent := p.MaxConcurrentTaskCount
	if maxConcurrent <= 0 {
		maxConcurrent = config.DefaultMaxConcurrentTaskCount
	}
	speedLimit := p.DownloadSpeedLimitKiBs
	if speedLimit <= 0 {
		speedLimit = config.DefaultDownloadSpeedLimitKiBs
	}
	e.speedLimitKiBs.Store(speedLimit)

	if p.SaveTasks {
		cfgPath := p.CfgPath
		if cfgPath == "" {
			cfgPath = filepath.Join(p.StorageRoot, "tasks.db")
		}
		store, err := persist.Open(cfgPath)
		if err != nil {
			lock.Release()
			return nil, fmt.Errorf("dlcore: open persistence: %w", err)
		}
		e.store = store

		rows, err := store.LoadAll()
		if err != nil {
			store.Close()
			lock.Release()
			return nil, fmt.Errorf("dlcore: load persistence: %w", err)
		}
		e.reg.Rehydrate(toRehydrateRecords(rows))
		e.reg.SetOnMutate(e.mirrorToStore)
	}

	e.pool = pool.New(maxConcurrent)
	e.coord = coordinator.New(e.reg, e.pool, e.client, cfg, log, p.Endpoint, e.speedCapBps)
	e.sched = scheduler.New(e.reg, int64(maxConcurrent), e.admit)

	return e, nil
}

func (e *Engine) admit(id registry.TaskId) {
	go e.coord.Run(id)
}

func (e *Engine) speedCapBps() int64 {
	kibs := e.speedLimitKiBs.Load()
	if kibs <= 0 {
		return 0
	}
	return kibs * int64(config.KB)
}

func (e *Engine) mirrorToStore() {
	if e.store == nil {
		return
	}
	// Mirror every live top-level task (and, within mirrorOne, its chunk
	// children); cheap relative to network I/O and keeps the snapshot
	// simple with no per-id dirty tracking.
	for _, id := range e.reg.AllTopLevelIds() {
		e.mirrorOne(id)
	}
}

func (e *Engine) mirrorOne(id registry.TaskId) {
	d, ok := e.reg.Descriptor(id)
	if !ok {
		return
	}
	st, ok := e.reg.State(id)
	if !ok {
		return
	}
	e.store.Save(persist.RecordFromRegistry(d, st))
	for _, cid := range d.ChunkTaskIds {
		if cd, ok := e.reg.Descriptor(cid); ok {
			if cst, ok := e.reg.State(cid); ok {
				e.store.Save(persist.RecordFromRegistry(cd, cst))
			}
		}
	}
}

func toRehydrateRecords(rows []persist.Record) []registry.RehydrateRecord {
	out := make([]registry.RehydrateRecord, len(rows))
	for i, r := range rows {
		out[i] = registry.RehydrateRecord{
			Id:             r.TaskId,
			ParentId:       r.ParentId,
			SaveName:       r.SaveName,
			SavePath:       r.SavePath,
			URL:            r.URL,
			Hash:           r.Hash,
			Token:          r.Token,
			FileSize:       r.FileSize,
			ChunkCount:     r.ChunkCount,
			FinishChunk:    r.FinishChunk,
			ChunkIndex:     r.ChunkIndex,
			ChunkStart:     r.ChunkStart,
			ChunkEnd:       r.ChunkEnd,
			StateCode:      r.StateCode,
			DownloadedSize: r.DownloadedSize,
			Priority:       r.Priority,
		}
	}
	return out
}

// Close tears the Engine down: releases the Instance Guard, stops the pool,
// closes the persistence store if open, and resets the registry so a
// subsequent New on the same StorageRoot starts from a clean id allocator
// (invariant #7).
func (e *Engine) Close() error {
	e.pool.Close()
	if e.store != nil {
		e.store.Close()
	}
	e.reg.Reset()
	return e.lock.Release()
}

// TaskParams describes one task to create, generalizing create_server's/
// create_batch's descriptor input.
type TaskParams struct {
	SaveName string
	SavePath string
	URL      string
	Hash     string
	Token    string
	Priority uint32
}

// CreateServerTask creates a single task and enqueues it for scheduling.
func (e *Engine) CreateServerTask(p TaskParams) (TaskId, error) {
	id, err := e.reg.CreateServer(registry.Descriptor{
		SaveName: p.SaveName,
		SavePath: p.SavePath,
		URL:      p.URL,
		Hash:     p.Hash,
		Token:    p.Token,
	}, priorityOrDefault(p.Priority))
	if err != nil {
		return 0, err
	}
	return id, nil
}

// CreateBatchTask creates many tasks as an all-or-nothing duplicate
// pre-check, then bulk enqueues them in declaration order.
func (e *Engine) CreateBatchTask(ps []TaskParams) ([]TaskId, error) {
	descs := make([]registry.Descriptor, len(ps))
	priorities := make([]uint32, len(ps))
	for i, p := range ps {
		descs[i] = registry.Descriptor{
			SaveName: p.SaveName,
			SavePath: p.SavePath,
			URL:      p.URL,
			Hash:     p.Hash,
			Token:    p.Token,
		}
		priorities[i] = priorityOrDefault(p.Priority)
	}
	ids, err := e.reg.CreateBatch(descs, priorities)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func priorityOrDefault(p uint32) uint32 {
	if p == 0 {
		return 100
	}
	return p
}

// Execute immediately starts task id outside of the priority-ordered
// scheduler, mirroring the Task Registry's own execute(id) contract.
func (e *Engine) Execute(id TaskId) error {
	if err := e.reg.Execute(id); err != nil {
		return err
	}
	e.admit(id)
	return nil
}

// ScheduleAndStart drains the pending FIFO, admitting up to the configured
// concurrency cap in priority order.
func (e *Engine) ScheduleAndStart() {
	e.sched.ScheduleAndStart()
}

// Pause transitions a running task (and its in-flight chunk children) to
// Paused and interrupts any in-flight HTTP fetches for it.
func (e *Engine) Pause(id TaskId) error {
	if err := e.reg.Pause(id); err != nil {
		return err
	}
	e.coord.Cancel(id)
	return nil
}

// Stop transitions id to Stopped and interrupts any in-flight fetch.
func (e *Engine) Stop(id TaskId) error {
	if err := e.reg.Stop(id); err != nil {
		return err
	}
	e.coord.Cancel(id)
	return nil
}

// Delete removes id and any chunk children from the registry, optionally
// deleting their on-disk files (the final merged file and/or any
// still-partial chunk files).
func (e *Engine) Delete(id TaskId, removeFiles bool) error {
	var paths []string
	if removeFiles {
		if d, ok := e.reg.Descriptor(id); ok {
			paths = append(paths, filepath.Join(d.SavePath, d.SaveName))
			for _, cid := range d.ChunkTaskIds {
				if cd, ok := e.reg.Descriptor(cid); ok {
					paths = append(paths, filepath.Join(cd.SavePath, cd.SaveName))
				}
			}
		}
	}

	removed, err := e.reg.Delete(id)
	if err != nil {
		return err
	}

	if e.store != nil {
		for _, rid := range removed {
			e.store.Delete(rid)
		}
	}
	for _, path := range paths {
		os.Remove(path)
	}
	return nil
}

// GetTaskState returns id's current state code.
func (e *Engine) GetTaskState(id TaskId) (StateCode, error) {
	st, ok := e.reg.State(id)
	if !ok {
		return Unknown, errs.New(errs.TaskNotExist, "")
	}
	return st.Code(), nil
}

// GetTaskInfo returns one field of id's descriptor by name. The supported
// name set is exactly {url, save_path, save_name, hash, file_size,
// chunk_count, chunk_task_ids, finish_chunk}.
func (e *Engine) GetTaskInfo(id TaskId, name string) (string, error) {
	d, ok := e.reg.Descriptor(id)
	if !ok {
		return "", errs.New(errs.TaskNotExist, "")
	}
	switch name {
	case "url":
		return d.URL, nil
	case "save_path":
		return d.SavePath, nil
	case "save_name":
		return d.SaveName, nil
	case "hash":
		return d.Hash, nil
	case "file_size":
		return fmt.Sprintf("%d", d.FileSize), nil
	case "chunk_count":
		return fmt.Sprintf("%d", d.ChunkCount), nil
	case "chunk_task_ids":
		return fmt.Sprintf("%v", d.ChunkTaskIds), nil
	case "finish_chunk":
		return fmt.Sprintf("%d", d.FinishChunk), nil
	default:
		return "", errs.New(errs.InfoNameNotSupport, name)
	}
}

// SetTaskToken stores an opaque client-supplied auth token on id's
// descriptor. The engine never interprets it.
func (e *Engine) SetTaskToken(id TaskId, token string) error {
	ok := e.reg.MutateDescriptor(id, func(d *registry.Descriptor) { d.Token = token })
	if !ok {
		return errs.New(errs.TaskNotExist, "")
	}
	return nil
}

// SetPriority updates id's priority (and any already-materialised chunk
// children's), lower value meaning higher priority.
func (e *Engine) SetPriority(id TaskId, priority uint32) error {
	if err := e.reg.SetPriority(id, priority); err != nil {
		return err
	}
	if e.store != nil {
		e.mirrorOne(id)
	}
	return nil
}

// GetPriority returns id's current priority.
func (e *Engine) GetPriority(id TaskId) (uint32, error) {
	return e.reg.GetPriority(id)
}

// Progress returns a clamped 0-100 percentage of downloaded/total bytes.
func (e *Engine) Progress(id TaskId) (int, error) {
	st, ok := e.reg.State(id)
	if !ok {
		return 0, errs.New(errs.TaskNotExist, "")
	}
	return st.Progress(), nil
}

// SetConcurrentTaskCount updates the scheduler's admission cap.
func (e *Engine) SetConcurrentTaskCount(n int) {
	e.sched.SetMaxConcurrent(int64(n))
}

// SetDownloadSpeedLimit updates the per-chunk receive-rate cap, in KiB/s,
// taking effect on each chunk's next fetch.
func (e *Engine) SetDownloadSpeedLimit(kibs int64) {
	e.speedLimitKiBs.Store(kibs)
}

// SetUploadSwitch and SetUploadSpeedLimit are inert configuration knobs:
// this engine has no upload path (see Non-goals). They are stored so a
// caller reading them back observes what it set.
func (e *Engine) SetUploadSwitch(on bool)          { e.uploadSwitch.Store(on) }
func (e *Engine) GetUploadSwitch() bool            { return e.uploadSwitch.Load() }
func (e *Engine) SetUploadSpeedLimit(kibs int64)   { e.uploadSpeedLimit.Store(kibs) }
func (e *Engine) GetUploadSpeedLimit() int64       { return e.uploadSpeedLimit.Load() }

// Version returns the engine's fixed version string.
func (e *Engine) Version() string { return Version }

// ListUnfinished returns up to limit top-level task ids that are neither in
// a terminal state nor Paused, alongside the true total count (the
// buffer-size protocol: limit <= 0 returns only the count).
func (e *Engine) ListUnfinished(limit int) ([]TaskId, int) {
	return e.reg.ListUnfinished(limit)
}

// ListFinished returns up to limit top-level task ids in a terminal state,
// alongside the true total count.
func (e *Engine) ListFinished(limit int) ([]TaskId, int) {
	return e.reg.ListFinished(limit)
}
