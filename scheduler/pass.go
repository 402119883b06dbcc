package scheduler

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/tilde-lab/yascheduler/engine"
	"github.com/tilde-lab/yascheduler/model"
	"github.com/tilde-lab/yascheduler/rshell"
	"github.com/tilde-lab/yascheduler/webhook"
)

// timedOutConnection is the error-text substring that identifies a dead
// connection during output collection. Once one download fails this way
// the task's remaining downloads are skipped; retrying them against the
// same dead node would just burn the pass's time budget.
const timedOutConnection = "timed out"

// Pass runs one full iteration: session reconciliation, completion
// detection, dispatch, idle shrinkage, then a drain of the cloud
// manager's async work. Passes never overlap; the caller (Start's
// ticker loop) only ever has one Pass in flight at a time.
func (c *Controller) Pass(ctx context.Context) error {
	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list nodes: %w", err)
	}

	if err := c.reconcileSessions(nodes); err != nil {
		c.log.Error("scheduler: session reconciliation", "err", err)
	}

	running, err := c.store.ListTasksByStatus(ctx, model.Running)
	if err != nil {
		return fmt.Errorf("scheduler: list running tasks: %w", err)
	}

	occupied := c.phaseOneCompletion(ctx, running)

	freeNodes := freeNodeIPs(nodes, occupied)
	freeNodes = c.phaseTwoDispatch(ctx, freeNodes, nodes)

	c.phaseThreeShrink(nodes, freeNodes)

	c.clouds.DoAsyncWork(ctx)

	toDo, err := c.store.CountTasksToDo(ctx)
	if err != nil {
		c.log.Error("scheduler: count to-do tasks", "err", err)
	}
	printStats(nodes, len(running), toDo, c.clouds.Load())
	return nil
}

// reconcileSessions compares the set of real-ip nodes (placeholder
// cloud-allocation ids, which contain no dot, are skipped) against open
// shell sessions, closing/opening as needed.
func (c *Controller) reconcileSessions(nodes []model.Node) error {
	var realIPs []string
	cloudOf := make(map[string]string, len(nodes))
	for _, n := range nodes {
		if n.IsReal() {
			realIPs = append(realIPs, n.IP)
			cloudOf[n.IP] = n.Cloud
		}
	}

	userFor := func(ip string) string {
		if providerName, ok := cloudOf[ip]; ok && providerName != "" {
			if user, ok := c.clouds.SSHUser(providerName); ok {
				return user
			}
		}
		return c.defaultUser
	}

	return c.sessions.Reconcile(realIPs, rshell.SSHUserFunc(userFor))
}

// phaseOneCompletion checks every RUNNING task's liveness probe. Tasks
// still running stay occupying their node; tasks that have gone idle have
// their outputs collected and are marked DONE. Returns the set of node
// IPs occupied by tasks still running.
func (c *Controller) phaseOneCompletion(ctx context.Context, running []model.Task) map[string]bool {
	occupied := make(map[string]bool, len(running))
	for _, task := range running {
		task := task
		if task.IP == "" {
			continue
		}
		alive, err := c.isAlive(task)
		if err != nil {
			c.log.Error("scheduler: liveness probe failed, assuming still running", "task_id", task.ID, "ip", task.IP, "err", err)
			occupied[task.IP] = true
			continue
		}
		if alive {
			occupied[task.IP] = true
			continue
		}
		c.completeTask(ctx, task)
	}
	return occupied
}

// isAlive asks the node's session whether the task's engine is still
// running, via CheckPname and/or CheckCmd+CheckCmdCode. Either probe
// succeeding suffices to call the task still running.
func (c *Controller) isAlive(task model.Task) (bool, error) {
	runner, ok := c.sessions.Get(task.IP)
	if !ok {
		return false, fmt.Errorf("no open session for %s", task.IP)
	}
	name, _ := task.Engine()
	e, ok := c.engines.Get(name)
	if !ok {
		return false, fmt.Errorf("unknown engine %q", name)
	}

	if e.CheckPname != "" {
		alive, err := runner.ProcessRunning(e.CheckPname)
		if err != nil {
			return false, err
		}
		if alive {
			return true, nil
		}
	}
	if e.CheckCmd != "" {
		code, _, _, err := runner.Run(e.CheckCmd)
		if err != nil {
			return false, err
		}
		if code == e.CheckCmdCode {
			return true, nil
		}
	}
	return false, nil
}

// completeTask collects outputs, deletes the remote work directory, and
// transitions the task to DONE with reduced metadata. Collection and
// remote cleanup failures are logged but never block the transition.
func (c *Controller) completeTask(ctx context.Context, task model.Task) {
	remoteFolder, _ := task.RemoteFolder()
	localFolder, ok := task.LocalFolder()
	if !ok || localFolder == "" {
		localFolder = path.Join(c.localTasksDir, path.Base(remoteFolder))
	}
	if err := os.MkdirAll(localFolder, 0755); err != nil {
		c.log.Error("scheduler: create local folder", "task_id", task.ID, "path", localFolder, "err", err)
	}

	if runner, ok := c.sessions.Get(task.IP); ok {
		c.collectOutputs(runner, task, remoteFolder, localFolder)
		if remoteFolder != "" {
			if err := runner.Remove(remoteFolder); err != nil {
				c.log.Error("scheduler: remove remote folder", "task_id", task.ID, "path", remoteFolder, "err", err)
			}
		}
	}

	task.Metadata.Set("remote_folder", remoteFolder)
	task.Metadata.Set("local_folder", localFolder)
	reduced := task.Metadata.Reduced()
	if err := c.store.SetDone(ctx, task.ID, reduced); err != nil {
		c.log.Error("scheduler: set done", "task_id", task.ID, "err", err)
		return
	}
	c.emitEvent(task, model.Done)
}

func (c *Controller) collectOutputs(runner rshell.Runner, task model.Task, remoteFolder, localFolder string) {
	name, _ := task.Engine()
	e, ok := c.engines.Get(name)
	if !ok {
		return
	}
	for _, out := range e.OutputFiles {
		remote := path.Join(remoteFolder, out)
		local := path.Join(localFolder, out)
		if err := runner.Download(remote, local); err != nil {
			c.log.Error("scheduler: download output", "task_id", task.ID, "file", out, "err", err)
			if strings.Contains(strings.ToLower(err.Error()), timedOutConnection) {
				return
			}
		}
	}
}

// phaseTwoDispatch assigns up to len(freeNodes)+cloud_capacity to_do
// tasks. Tasks assigned a free node have it issued a spawn command and
// are transitioned to RUNNING; tasks with no free node become cloud
// allocation intents. Returns the free nodes left unassigned.
func (c *Controller) phaseTwoDispatch(ctx context.Context, freeNodes []string, allNodes []model.Node) []string {
	free := shuffleFree(freeNodes)
	capacity := c.clouds.GetCapacity(allNodes)

	byIP := make(map[string]model.Node, len(allNodes))
	for _, n := range allNodes {
		byIP[n.IP] = n
	}

	tasks, err := c.store.ListTasksToDo(ctx, len(free)+capacity)
	if err != nil {
		c.log.Error("scheduler: list to-do tasks", "err", err)
		return free
	}

	for _, task := range tasks {
		task := task
		if len(free) == 0 {
			c.clouds.Allocate(task.ID, allNodes)
			continue
		}
		ip := free[len(free)-1]
		free = free[:len(free)-1]

		if err := c.spawn(ctx, task, byIP[ip]); err != nil {
			c.log.Error("scheduler: spawn", "task_id", task.ID, "ip", ip, "err", err)
			free = append(free, ip) // give the node back, try another task next pass
			continue
		}
	}
	return free
}

// spawn writes the task's declared input files into a fresh remote work
// directory, issues the engine's spawn command detached, and transitions
// the task to RUNNING.
func (c *Controller) spawn(ctx context.Context, task model.Task, node model.Node) error {
	ip := node.IP
	runner, ok := c.sessions.Get(ip)
	if !ok {
		return fmt.Errorf("no open session for %s", ip)
	}
	name, _ := task.Engine()
	e, ok := c.engines.Get(name)
	if !ok {
		return fmt.Errorf("unknown engine %q", name)
	}

	remoteFolder, ok := task.RemoteFolder()
	if !ok || remoteFolder == "" {
		remoteFolder = path.Join(c.remoteBaseDir, fmt.Sprintf("task-%d", task.ID))
	}
	if err := runner.MkdirAll(remoteFolder); err != nil {
		return fmt.Errorf("mkdir %s: %w", remoteFolder, err)
	}
	for _, input := range e.InputFiles {
		content, ok := task.Metadata.GetString(input)
		if !ok {
			return fmt.Errorf("task %d missing declared input %q", task.ID, input)
		}
		if err := runner.WriteFile(path.Join(remoteFolder, input), content); err != nil {
			return fmt.Errorf("write input %s: %w", input, err)
		}
	}

	ncpus := node.NCPUs
	if ncpus == 0 {
		var err error
		ncpus, err = runner.Nproc()
		if err != nil {
			return fmt.Errorf("nproc: %w", err)
		}
	}

	cmd, err := engine.FormatSpawn(e.Spawn, path.Join(c.remoteEnginesDir, e.Name), remoteFolder, ncpus)
	if err != nil {
		return fmt.Errorf("format spawn command: %w", err)
	}
	if err := runner.SpawnDetached(cmd, remoteFolder); err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	if err := c.store.SetRunning(ctx, task.ID, ip); err != nil {
		return fmt.Errorf("set running: %w", err)
	}
	task.IP = ip
	task.Status = model.Running
	c.emitEvent(task, model.Running)
	return nil
}

// phaseThreeShrink tracks, per node, how many consecutive passes it has
// sat idle, and asks the cloud manager to delete any cloud-owned node
// that has reached idleShrinkAfter. The counter is incremented for
// every idle node, static or cloud; only the deallocation decision
// discriminates on ownership, and nodes the manager declines to release
// are simply ignored. A deallocated node's counter is decremented, not
// reset, so a failed provider deletion gets retried one pass later.
func (c *Controller) phaseThreeShrink(allNodes []model.Node, idleIPs []string) {
	idle := make(map[string]bool, len(idleIPs))
	for _, ip := range idleIPs {
		idle[ip] = true
	}

	byIP := make(map[string]model.Node, len(allNodes))
	for _, n := range allNodes {
		byIP[n.IP] = n
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for ip := range c.idleCounts {
		if _, known := byIP[ip]; !known {
			delete(c.idleCounts, ip)
		}
	}

	var toDelete []model.Node
	for ip, n := range byIP {
		if !idle[ip] {
			delete(c.idleCounts, ip)
			continue
		}
		c.idleCounts[ip]++
		if n.IsCloud() && c.idleCounts[ip] >= idleShrinkAfter {
			toDelete = append(toDelete, n)
			c.idleCounts[ip]--
		}
	}
	if len(toDelete) > 0 {
		c.clouds.Deallocate(toDelete)
	}
}

func (c *Controller) emitEvent(task model.Task, status model.Status) {
	url, _ := task.WebhookURL()
	c.webhooks.Enqueue(webhook.Event{
		TaskID: task.ID,
		Label:  task.Label,
		IP:     task.IP,
		Status: int(status),
		URL:    url,
	})
}

// freeNodeIPs returns the enabled nodes not present in occupied.
func freeNodeIPs(nodes []model.Node, occupied map[string]bool) []string {
	var free []string
	for _, n := range nodes {
		if n.Enabled && !occupied[n.IP] {
			free = append(free, n.IP)
		}
	}
	return free
}
