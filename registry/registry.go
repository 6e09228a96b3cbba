package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gametools/dlcore/errs"
)

// Registry holds the State and Descriptor indices, the pending FIFO, and
// the id allocator, guarded by a single sync.RWMutex. running_count is an
// independent atomic so readers of the count never contend with the index
// lock, per the rewrite's partitioned-lock design note.
type Registry struct {
	mu          sync.RWMutex
	states      map[TaskId]*State
	descriptors map[TaskId]*Descriptor
	pending     []TaskId
	nextId      int64

	running atomic.Int64

	// onMutate, when non-nil, is invoked after every mutating operation
	// under no lock (called after the lock is released) so a persistence
	// driver can mirror the change without the registry depending on it
	// directly.
	onMutate func()
}

func New() *Registry {
	return &Registry{
		states:      make(map[TaskId]*State),
		descriptors: make(map[TaskId]*Descriptor),
	}
}

// SetOnMutate installs a callback fired after every mutation. Used by the
// Coordinator/Engine to drive the optional persistence snapshot (§4.J).
func (r *Registry) SetOnMutate(f func()) {
	r.mu.Lock()
	r.onMutate = f
	r.mu.Unlock()
}

func (r *Registry) notify() {
	r.mu.RLock()
	f := r.onMutate
	r.mu.RUnlock()
	if f != nil {
		f()
	}
}

func (r *Registry) RunningCount() int64 { return r.running.Load() }
func (r *Registry) IncRunning()         { r.running.Add(1) }
func (r *Registry) DecRunning()         { r.running.Add(-1) }

// allocId must be called under the exclusive lock.
func (r *Registry) allocId() TaskId {
	r.nextId++
	return TaskId(r.nextId)
}

// FindBySaveName reports whether any non-Failed task already uses saveName,
// implementing the create_server/create_batch duplicate-rejection rule.
// Must be called under at least a read lock.
func (r *Registry) findBySaveName(saveName string) bool {
	for id, d := range r.descriptors {
		if d.SaveName == saveName && d.ParentId == 0 {
			if st, ok := r.states[id]; ok && st.Code() != Failed {
				return true
			}
		}
	}
	return false
}

// CreateServer allocates an id for desc, rejects duplicate save_names among
// non-failed tasks, and pushes the new task to the pending FIFO.
func (r *Registry) CreateServer(desc Descriptor, priority uint32) (TaskId, error) {
	r.mu.Lock()
	if r.findBySaveName(desc.SaveName) {
		r.mu.Unlock()
		return 0, errs.New(errs.TaskAlreadyExist, desc.SaveName)
	}
	id := r.allocId()
	desc.Id = id
	r.descriptors[id] = &desc
	st := NewState(priority)
	r.states[id] = st
	r.pending = append(r.pending, id)
	r.mu.Unlock()

	r.notify()
	return id, nil
}

// CreateBatch performs an all-or-nothing duplicate pre-check, then bulk
// inserts and enqueues in declaration order.
func (r *Registry) CreateBatch(descs []Descriptor, priorities []uint32) ([]TaskId, error) {
	r.mu.Lock()
	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		if seen[d.SaveName] || r.findBySaveName(d.SaveName) {
			r.mu.Unlock()
			return nil, errs.New(errs.TaskAlreadyExist, d.SaveName)
		}
		seen[d.SaveName] = true
	}

	ids := make([]TaskId, len(descs))
	for i, d := range descs {
		id := r.allocId()
		d.Id = id
		r.descriptors[id] = &d
		p := uint32(100)
		if i < len(priorities) {
			p = priorities[i]
		}
		r.states[id] = NewState(p)
		r.pending = append(r.pending, id)
		ids[i] = id
	}
	r.mu.Unlock()

	r.notify()
	return ids, nil
}

// AddChild materialises a chunk-child descriptor+state under the exclusive
// lock, used by the Coordinator during planning. The child starts in
// StartPending (it is dispatched directly to the pool, not via the pending
// FIFO/Scheduler).
func (r *Registry) AddChild(d Descriptor) TaskId {
	r.mu.Lock()
	id := r.allocId()
	d.Id = id
	r.descriptors[id] = &d
	st := NewState(0)
	st.SetCode(StartPending)
	st.SetTotal(d.ChunkEnd - d.ChunkStart + 1)
	r.states[id] = st
	r.mu.Unlock()

	r.notify()
	return id
}

func (r *Registry) Descriptor(id TaskId) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

func (r *Registry) State(id TaskId) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	return st, ok
}

// MutateDescriptor applies f to the descriptor for id under the exclusive
// lock. Used by the Coordinator to record chunk_count/chunk_task_ids and by
// chunk completion to bump finish_chunk.
func (r *Registry) MutateDescriptor(id TaskId, f func(*Descriptor)) bool {
	r.mu.Lock()
	d, ok := r.descriptors[id]
	if ok {
		f(d)
	}
	r.mu.Unlock()
	if ok {
		r.notify()
	}
	return ok
}

// Exists reports whether id is present in both indices (invariant #1).
func (r *Registry) Exists(id TaskId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, a := r.states[id]
	_, b := r.descriptors[id]
	return a && b
}

// PopPendingSorted drains the pending FIFO, stably sorts it by ascending
// priority, and returns the ordered ids for the Scheduler to admit. The
// FIFO is empty after this call; the Scheduler re-enqueues anything it
// cannot admit via PushPending.
func (r *Registry) PopPendingSorted() []TaskId {
	r.mu.Lock()
	ids := r.pending
	r.pending = nil
	priorities := make(map[TaskId]uint32, len(ids))
	for _, id := range ids {
		if st, ok := r.states[id]; ok {
			priorities[id] = st.Priority()
		}
	}
	r.mu.Unlock()

	sort.SliceStable(ids, func(i, j int) bool {
		return priorities[ids[i]] < priorities[ids[j]]
	})
	return ids
}

// PushPending re-enqueues id (used when the scheduler cannot admit it yet,
// preserving the id's position for the next drain).
func (r *Registry) PushPending(id TaskId) {
	r.mu.Lock()
	r.pending = append(r.pending, id)
	r.mu.Unlock()
}

// Execute transitions id from an admissible state to Started and increments
// the running count. Returns an *errs.Err with code TaskAlreadyRunning if
// already Started/Paused, TaskNotExist if unknown.
func (r *Registry) Execute(id TaskId) error {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.TaskNotExist, "")
	}
	switch st.Code() {
	case Started, Paused:
		r.mu.Unlock()
		return errs.New(errs.TaskAlreadyRunning, "")
	}
	st.SetCode(Started)
	r.mu.Unlock()

	r.IncRunning()
	r.notify()
	return nil
}

// Pause transitions a Started parent (and any Started children) to Paused.
// downloaded_size is left at the value of the last progress tick; neither
// this method nor Engine.Pause recomputes it from the chunk files on disk.
func (r *Registry) Pause(id TaskId) error {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.TaskNotExist, "")
	}
	if st.Code() != Started {
		r.mu.Unlock()
		return errs.New(errs.TaskNotRunning, "")
	}
	st.SetCode(Paused)
	d := r.descriptors[id]
	var children []TaskId
	if d != nil {
		children = append(children, d.ChunkTaskIds...)
	}
	r.mu.Unlock()

	for _, cid := range children {
		r.mu.Lock()
		if cst, ok := r.states[cid]; ok && cst.Code() == Started {
			cst.SetCode(Paused)
		}
		r.mu.Unlock()
	}

	r.DecRunning()
	r.notify()
	return nil
}

// Stop transitions any non-Stopped task to Stopped.
func (r *Registry) Stop(id TaskId) error {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.TaskNotExist, "")
	}
	if st.Code() == Stopped {
		r.mu.Unlock()
		return errs.New(errs.TaskAlreadyStopped, "")
	}
	wasRunning := st.Code() == Started
	st.SetCode(Stopped)
	r.mu.Unlock()

	if wasRunning {
		r.DecRunning()
	}
	r.notify()
	return nil
}

// Delete removes id and any children from both indices. The caller is
// responsible for deleting on-disk files when requested; this method only
// mutates in-memory state.
func (r *Registry) Delete(id TaskId) ([]TaskId, error) {
	r.mu.Lock()
	d, ok := r.descriptors[id]
	if !ok {
		r.mu.Unlock()
		return nil, errs.New(errs.TaskNotExist, "")
	}
	removed := append([]TaskId{id}, d.ChunkTaskIds...)
	for _, rid := range removed {
		delete(r.descriptors, rid)
		delete(r.states, rid)
	}
	r.mu.Unlock()

	r.notify()
	return removed, nil
}

// SetPriority updates id's priority and cascades to any materialised chunk
// children (supplemental, grounded in the original's set_task_priority).
func (r *Registry) SetPriority(id TaskId, priority uint32) error {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.TaskNotExist, "")
	}
	st.SetPriority(priority)
	d := r.descriptors[id]
	var children []TaskId
	if d != nil {
		children = append(children, d.ChunkTaskIds...)
	}
	r.mu.Unlock()

	for _, cid := range children {
		if cst, ok := r.State(cid); ok {
			cst.SetPriority(priority)
		}
	}
	return nil
}

func (r *Registry) GetPriority(id TaskId) (uint32, error) {
	st, ok := r.State(id)
	if !ok {
		return 0, errs.New(errs.TaskNotExist, "")
	}
	return st.Priority(), nil
}

// ListUnfinished and ListFinished implement the buffer-size protocol: when
// limit is <= 0 the caller only wants the count (required buffer size);
// otherwise up to limit ids are returned alongside the true total count.
func (r *Registry) ListUnfinished(limit int) ([]TaskId, int) {
	return r.listWhere(limit, func(c StateCode) bool { return !c.Terminal() && c != Paused })
}

func (r *Registry) ListFinished(limit int) ([]TaskId, int) {
	return r.listWhere(limit, func(c StateCode) bool { return c.Terminal() })
}

// AllTopLevelIds returns every top-level (non-chunk-child) task id,
// regardless of state. Used by persistence mirroring, not part of the
// public list_unfinished/list_finished contract.
func (r *Registry) AllTopLevelIds() []TaskId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []TaskId
	for id, d := range r.descriptors {
		if d.ParentId == 0 {
			all = append(all, id)
		}
	}
	return all
}

func (r *Registry) listWhere(limit int, match func(StateCode) bool) ([]TaskId, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []TaskId
	for id, d := range r.descriptors {
		if d.ParentId != 0 {
			continue // only top-level tasks are listed
		}
		if st, ok := r.states[id]; ok && match(st.Code()) {
			all = append(all, id)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	total := len(all)
	if limit <= 0 {
		return nil, total
	}
	if limit > total {
		limit = total
	}
	return all[:limit], total
}

// RehydrateRecord is the shape a persistence driver maps its durable rows
// into for Rehydrate. It mirrors the durable fields of Descriptor+State;
// kept independent of the persist package's own Record type so registry
// never imports persist.
type RehydrateRecord struct {
	Id, ParentId TaskId

	SaveName string
	SavePath string
	URL      string
	Hash     string
	Token    string

	FileSize    int64
	ChunkCount  int
	FinishChunk int
	ChunkIndex  int
	ChunkStart  int64
	ChunkEnd    int64

	StateCode      StateCode
	DownloadedSize int64
	Priority       uint32
}

// Rehydrate rebuilds the registry from durably stored rows (§4.J), called
// once at construction, before the engine accepts new calls. A process
// restart means nothing recorded as Started/StartPending/StartWaiting/
// Paused is actually running any more, so top-level rows in any of those
// states are requeued to pending; Succeeded/Stopped/Failed rows are kept in
// the indices (for list_finished) but not re-enqueued. Chunk-child rows are
// left exactly as recorded: the Coordinator's dispatch loop resubmits any
// non-Succeeded child it finds under an already-materialised parent, so a
// child need not be specially requeued here.
func (r *Registry) Rehydrate(rows []RehydrateRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byParent := make(map[TaskId][]TaskId)
	for _, row := range rows {
		if row.ParentId != 0 {
			byParent[row.ParentId] = append(byParent[row.ParentId], row.Id)
		}
	}

	for _, row := range rows {
		d := &Descriptor{
			Id:          row.Id,
			SaveName:    row.SaveName,
			SavePath:    row.SavePath,
			URL:         row.URL,
			Hash:        row.Hash,
			Token:       row.Token,
			ParentId:    row.ParentId,
			ChunkIndex:  row.ChunkIndex,
			ChunkStart:  row.ChunkStart,
			ChunkEnd:    row.ChunkEnd,
			FileSize:    row.FileSize,
			ChunkCount:  row.ChunkCount,
			FinishChunk: row.FinishChunk,
		}
		if children, ok := byParent[row.Id]; ok {
			d.ChunkTaskIds = children
		}
		r.descriptors[row.Id] = d

		st := NewState(row.Priority)
		st.SetDownloaded(row.DownloadedSize)
		st.SetTotal(row.FileSize)

		code := row.StateCode
		if row.ParentId == 0 {
			switch code {
			case Paused, StartPending, StartWaiting, Started:
				code = StartPending
				r.pending = append(r.pending, row.Id)
			}
		}
		st.SetCode(code)
		r.states[row.Id] = st

		if int64(row.Id) > r.nextId {
			r.nextId = int64(row.Id)
		}
	}
}

// Reset clears both indices, the pending FIFO, and resets the id
// allocator, per invariant #7 (post-teardown state).
func (r *Registry) Reset() {
	r.mu.Lock()
	r.states = make(map[TaskId]*State)
	r.descriptors = make(map[TaskId]*Descriptor)
	r.pending = nil
	r.nextId = 0
	r.mu.Unlock()
	r.running.Store(0)
}
