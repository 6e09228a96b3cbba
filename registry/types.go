// Package registry is the Task Registry: in-memory State and Descriptor
// indices under a reader/writer lock, plus the pending FIFO and id
// allocator.
//
// Grounded on internal/download/pool.go's map+sync.RWMutex+pending-queue
// idiom (generalized from string download-IDs to a monotonic int64 TaskId)
// and internal/engine/types/progress.go's atomics-first mutable-state
// pattern.
package registry

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/gametools/dlcore/errs"
)

// TaskId is a monotonically increasing, process-lifetime-unique identifier.
type TaskId int64

// StateCode mirrors the frozen upstream task-state enumeration.
type StateCode int32

const (
	Unknown      StateCode = 0
	StartWaiting StateCode = 3
	StartPending StateCode = 4
	Started      StateCode = 5
	StopPending  StateCode = 6
	Stopped      StateCode = 7
	Succeeded    StateCode = 8
	Failed       StateCode = 9
	Paused       StateCode = 10
)

func (s StateCode) Terminal() bool {
	return s == Succeeded || s == Failed || s == Stopped
}

// Descriptor is fixed at creation except for the chunk_* fields and
// FileSize/Hash, which the Coordinator records once planning occurs, and
// Token, which SetTaskToken replaces.
type Descriptor struct {
	Id       TaskId
	SaveName string
	SavePath string
	URL      string
	Hash     string
	Token    string

	// ParentId is zero for a top-level (user-created) task, non-zero for a
	// chunk child.
	ParentId TaskId
	// ChunkIndex is this descriptor's index within its parent's
	// ChunkTaskIds, meaningful only when ParentId != 0.
	ChunkIndex int
	ChunkStart int64
	ChunkEnd   int64 // inclusive

	FileSize     int64
	ChunkCount   int
	ChunkTaskIds []TaskId
	FinishChunk  int
}

// State is the mutable per-task progress/status record. Hot fields are
// atomics so progress ticks never contend with the registry's index lock;
// the compound fields (error codes, priority) sit behind a small mutex,
// mirroring the teacher's ProgressState split.
type State struct {
	code atomic.Int32

	downloaded atomic.Int64
	total      atomic.Int64
	speedBits  atomic.Uint64 // math.Float64bits(speed)

	mu           sync.Mutex
	taskErrCode  errs.Code
	taskTokenErr errs.Code
	priority     uint32
}

func NewState(priority uint32) *State {
	s := &State{priority: priority}
	s.code.Store(int32(StartWaiting))
	return s
}

func (s *State) Code() StateCode        { return StateCode(s.code.Load()) }
func (s *State) SetCode(c StateCode)    { s.code.Store(int32(c)) }
func (s *State) Downloaded() int64      { return s.downloaded.Load() }
func (s *State) SetDownloaded(n int64)  { s.downloaded.Store(n) }
func (s *State) AddDownloaded(n int64)  { s.downloaded.Add(n) }
func (s *State) Total() int64           { return s.total.Load() }
func (s *State) SetTotal(n int64)       { s.total.Store(n) }

func (s *State) Speed() float64      { return math.Float64frombits(s.speedBits.Load()) }
func (s *State) SetSpeed(bps float64) { s.speedBits.Store(math.Float64bits(bps)) }

func (s *State) Priority() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

func (s *State) SetPriority(p uint32) {
	s.mu.Lock()
	s.priority = p
	s.mu.Unlock()
}

func (s *State) ErrCode() errs.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskErrCode
}

func (s *State) SetErrCode(c errs.Code) {
	s.mu.Lock()
	s.taskErrCode = c
	s.mu.Unlock()
}

// Progress returns a clamped 0-100 percentage of Downloaded/Total, 0 when
// Total is zero. Supplemental accessor (spec §4.F get_progress), grounded
// on the original's getOriginalFileProgress.
func (s *State) Progress() int {
	total := s.Total()
	if total <= 0 {
		return 0
	}
	pct := int(s.Downloaded() * 100 / total)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Snapshot is a point-in-time copy of a State, safe to read without racing
// further mutation.
type Snapshot struct {
	Code        StateCode
	Downloaded  int64
	Total       int64
	Speed       float64
	Priority    uint32
	TaskErrCode errs.Code
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Code:        s.Code(),
		Downloaded:  s.Downloaded(),
		Total:       s.Total(),
		Speed:       s.Speed(),
		Priority:    s.Priority(),
		TaskErrCode: s.ErrCode(),
	}
}
