// Package coordinator implements the Coordinator (§4.G): driving one task
// end-to-end — probe, plan, dispatch chunk jobs, await, merge, finalize —
// including the restart short-circuit for a task whose chunks are already
// complete on disk.
//
// Grounded on downloader.cpp's downloadFile (restart short-circuit, finalize
// ordering) and internal/download/manager.go's overall orchestration shape.
// The 100ms Await poll from the original is replaced by a sync.WaitGroup
// over per-chunk pool jobs (SPEC_FULL §9's per-task notification rewrite),
// and pause/stop are propagated to in-flight chunk fetches via a
// per-task-run context, cancelled by Engine.Pause/Stop.
package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gametools/dlcore/config"
	"github.com/gametools/dlcore/errs"
	"github.com/gametools/dlcore/fetch"
	"github.com/gametools/dlcore/logging"
	"github.com/gametools/dlcore/merge"
	"github.com/gametools/dlcore/plan"
	"github.com/gametools/dlcore/pool"
	"github.com/gametools/dlcore/registry"
	"github.com/gametools/dlcore/worker"
)

// Coordinator drives tasks end-to-end on top of a shared Registry and
// Worker Pool.
type Coordinator struct {
	reg    *registry.Registry
	pool   *pool.Pool
	client *fetch.Client
	cfg    *config.RuntimeConfig
	log    *logging.Logger

	// endpoint is used to build a URL when a descriptor's URL is empty, per
	// §6: http://<endpoint>/download_endpoint?filename=<save_name>.
	endpoint string

	// speedCapBps returns the current per-chunk receive-rate cap in
	// bytes/second, read fresh on every dispatch so set_download_speed_limit
	// takes effect on the next chunk fetch.
	speedCapBps func() int64

	mu      sync.Mutex
	cancels map[registry.TaskId]context.CancelFunc
}

func New(reg *registry.Registry, p *pool.Pool, client *fetch.Client, cfg *config.RuntimeConfig, log *logging.Logger, endpoint string, speedCapBps func() int64) *Coordinator {
	return &Coordinator{
		reg:         reg,
		pool:        p,
		client:      client,
		cfg:         cfg,
		log:         log,
		endpoint:    endpoint,
		speedCapBps: speedCapBps,
		cancels:     make(map[registry.TaskId]context.CancelFunc),
	}
}

// Run drives task id end-to-end. The Engine's Admitter starts it in its own
// goroutine; it is not run as a Worker Pool job.
func (c *Coordinator) Run(id registry.TaskId) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancels[id] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
		cancel()
	}()

	c.run(ctx, id)
}

// Cancel interrupts an in-flight run for id (used by pause/stop).
func (c *Coordinator) Cancel(id registry.TaskId) {
	c.mu.Lock()
	cancelFn := c.cancels[id]
	c.mu.Unlock()
	if cancelFn != nil {
		cancelFn()
	}
}

func (c *Coordinator) run(ctx context.Context, id registry.TaskId) {
	desc, ok := c.reg.Descriptor(id)
	if !ok {
		return
	}
	st, ok := c.reg.State(id)
	if !ok {
		return
	}

	url := desc.URL
	if url == "" {
		url = fmt.Sprintf("http://%s/download_endpoint?filename=%s", c.endpoint, desc.SaveName)
	}

	probeRes, probeErr := c.client.Probe(ctx, url)

	var fileSize int64
	serverHash := desc.Hash
	if desc.ChunkCount == 0 {
		if probeErr != nil {
			c.fail(id, errs.ProbeFailed, probeErr.Error())
			return
		}
		fileSize = probeRes.Size
		if probeRes.ServerHash != "" {
			serverHash = probeRes.ServerHash
		}
	} else {
		fileSize = desc.FileSize
		if probeErr == nil && probeRes.ServerHash != "" {
			serverHash = probeRes.ServerHash
		}
	}

	st.SetTotal(fileSize)
	finalPath := filepath.Join(desc.SavePath, desc.SaveName)

	if !c.allChildrenSucceeded(desc) {
		if desc.ChunkCount == 0 {
			desc = c.planChildren(id, desc, fileSize, serverHash)
		}

		var wg sync.WaitGroup
		for _, cid := range desc.ChunkTaskIds {
			cst, ok := c.reg.State(cid)
			if !ok || cst.Code() == registry.Succeeded {
				continue
			}
			cid := cid
			wg.Add(1)
			c.pool.Submit(func() {
				defer wg.Done()
				c.runChunk(ctx, id, cid, url)
			})
		}
		wg.Wait()

		if ctx.Err() != nil {
			// Paused or stopped mid-flight: registry.Pause/Stop already
			// adjusted running_count and state; nothing left to do here.
			return
		}

		desc, _ = c.reg.Descriptor(id)
		if !c.allChildrenSucceeded(desc) {
			c.fail(id, errs.FetchFailed, "one or more chunks failed")
			return
		}
	}

	var mergeErr error
	if desc.ChunkCount > 1 {
		chunkPaths := make([]string, len(desc.ChunkTaskIds))
		for i, cid := range desc.ChunkTaskIds {
			cd, _ := c.reg.Descriptor(cid)
			chunkPaths[i] = filepath.Join(cd.SavePath, cd.SaveName)
		}
		mergeErr = merge.Merge(chunkPaths, finalPath, serverHash)
	} else {
		mergeErr = merge.Verify(finalPath, serverHash)
	}

	if mergeErr != nil {
		c.fail(id, errs.HashMismatch, mergeErr.Error())
		return
	}

	for _, cid := range desc.ChunkTaskIds {
		c.reg.Delete(cid)
	}
	c.reg.MutateDescriptor(id, func(d *registry.Descriptor) {
		d.FinishChunk = 0
		d.ChunkCount = 0
		d.ChunkTaskIds = nil
		d.FileSize = fileSize
		d.Hash = serverHash
	})
	st.SetDownloaded(fileSize)
	st.SetTotal(fileSize)
	st.SetCode(registry.Succeeded)
	c.reg.DecRunning()
}

func (c *Coordinator) allChildrenSucceeded(desc registry.Descriptor) bool {
	if desc.ChunkCount == 0 || len(desc.ChunkTaskIds) != desc.ChunkCount {
		return false
	}
	for _, cid := range desc.ChunkTaskIds {
		cst, ok := c.reg.State(cid)
		if !ok || cst.Code() != registry.Succeeded {
			return false
		}
	}
	return true
}

// planChildren materialises chunk-child descriptors for desc and records
// chunk_count/chunk_task_ids on the parent, per §4.G step 3.
func (c *Coordinator) planChildren(id registry.TaskId, desc registry.Descriptor, fileSize int64, serverHash string) registry.Descriptor {
	ranges := plan.Plan(fileSize, c.cfg.GetTargetChunkSize())
	children := make([]registry.TaskId, len(ranges))
	for i, rg := range ranges {
		saveName := desc.SaveName
		if len(ranges) > 1 {
			saveName = fmt.Sprintf("%s.chunk%d", desc.SaveName, i)
		}
		children[i] = c.reg.AddChild(registry.Descriptor{
			SaveName:   saveName,
			SavePath:   desc.SavePath,
			ParentId:   id,
			ChunkIndex: i,
			ChunkStart: rg.Start,
			ChunkEnd:   rg.End,
		})
	}
	c.reg.MutateDescriptor(id, func(d *registry.Descriptor) {
		d.ChunkCount = len(ranges)
		d.ChunkTaskIds = children
		d.FileSize = fileSize
		d.Hash = serverHash
	})
	desc, _ = c.reg.Descriptor(id)
	return desc
}

func (c *Coordinator) runChunk(ctx context.Context, parentId, childId registry.TaskId, url string) {
	cd, ok := c.reg.Descriptor(childId)
	if !ok || ctx.Err() != nil {
		return
	}
	cst, _ := c.reg.State(childId)
	defer func() {
		// A panic in a chunk job is not propagated to the pool: the chunk
		// is marked Failed and the parent fails at the end of the await.
		if rec := recover(); rec != nil {
			if cst != nil {
				cst.SetCode(registry.Failed)
			}
			if c.log != nil {
				c.log.Error("chunk panicked", "parent_id", parentId, "child_id", childId, "panic", rec)
			}
		}
	}()
	if cst != nil {
		cst.SetCode(registry.Started)
	}

	params := worker.ParamsFromDescriptor(c.client, c.cfg, url, cd, c.speedCapBps())
	res := worker.Run(ctx, params, func(downloaded int64) {
		if cst != nil {
			cst.SetDownloaded(downloaded)
		}
		c.updateParentAggregate(parentId)
	})

	if res.Succeeded {
		if cst != nil {
			cst.SetCode(registry.Succeeded)
			cst.SetDownloaded(res.Downloaded)
		}
		c.reg.MutateDescriptor(parentId, func(d *registry.Descriptor) { d.FinishChunk++ })
		c.updateParentAggregate(parentId)
		return
	}

	if ctx.Err() != nil {
		// Paused or stopped mid-flight: the child keeps the state Pause/Stop
		// gave it instead of being marked Failed.
		return
	}
	if cst != nil {
		cst.SetCode(registry.Failed)
	}
	if c.log != nil {
		c.log.Error("chunk failed", "parent_id", parentId, "child_id", childId, "err", res.Err)
	}
}

func (c *Coordinator) updateParentAggregate(parentId registry.TaskId) {
	desc, ok := c.reg.Descriptor(parentId)
	if !ok {
		return
	}
	pst, ok := c.reg.State(parentId)
	if !ok {
		return
	}
	var sum int64
	for _, cid := range desc.ChunkTaskIds {
		if cst, ok := c.reg.State(cid); ok {
			sum += cst.Downloaded()
		}
	}
	pst.SetDownloaded(sum)
}

func (c *Coordinator) fail(id registry.TaskId, code errs.Code, msg string) {
	if st, ok := c.reg.State(id); ok {
		st.SetErrCode(code)
		st.SetCode(registry.Failed)
	}
	c.reg.DecRunning()
	if c.log != nil {
		c.log.Error("task failed", "task_id", id, "code", code, "msg", msg)
	}
}
