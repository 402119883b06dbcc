// Package scheduler is the dispatch-and-completion controller: the
// single logical worker that runs one pass at a time, reconciling
// sessions, detecting completion, dispatching to_do tasks, and
// shrinking idle cloud capacity.
package scheduler

import (
	"context"
	"math/rand"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/olekukonko/tablewriter"

	"github.com/tilde-lab/yascheduler/engine"
	"github.com/tilde-lab/yascheduler/meta"
	"github.com/tilde-lab/yascheduler/model"
	"github.com/tilde-lab/yascheduler/rshell"
	"github.com/tilde-lab/yascheduler/webhook"
)

// Store is the narrow slice of the storage adapter the controller needs.
// Defined here (rather than depending on *store.Store directly) so a pass
// can be driven against a fake in tests without a real Postgres.
type Store interface {
	ListNodes(ctx context.Context) ([]model.Node, error)
	ListTasksByStatus(ctx context.Context, statuses ...model.Status) ([]model.Task, error)
	ListTasksToDo(ctx context.Context, limit int) ([]model.Task, error)
	CountTasksToDo(ctx context.Context) (int, error)
	InsertTask(ctx context.Context, label string, md meta.Document) (int64, error)
	SetRunning(ctx context.Context, id int64, ip string) error
	SetDone(ctx context.Context, id int64, md meta.Document) error
}

// Sessions is the narrow slice of the remote-shell manager the controller
// needs.
type Sessions interface {
	Reconcile(wantIPs []string, userFor rshell.SSHUserFunc) error
	Get(ip string) (rshell.Runner, bool)
	CloseAll() error
}

// Clouds is the narrow slice of the cloud elasticity manager the
// controller needs.
type Clouds interface {
	GetCapacity(resources []model.Node) int
	Allocate(taskID int64, resources []model.Node)
	Deallocate(nodes []model.Node)
	DoAsyncWork(ctx context.Context)
	SSHUser(providerName string) (string, bool)
	Load() map[string]int
	Stop()
}

// idleShrinkAfter is how many consecutive idle passes a cloud-owned node
// tolerates before the controller asks the cloud manager to delete it.
const idleShrinkAfter = 3

// Controller wires together every component of the scheduler.
type Controller struct {
	store    Store
	sessions Sessions
	clouds   Clouds
	webhooks *webhook.Pool
	engines  engine.Repository
	log      log15.Logger

	defaultUser      string
	localTasksDir    string
	remoteBaseDir    string
	remoteTasksDir   string
	remoteEnginesDir string

	passInterval time.Duration

	mu         sync.Mutex
	idleCounts map[string]int

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config bundles the construction-time settings a Controller needs beyond
// its collaborators.
type Config struct {
	DefaultSSHUser   string
	LocalTasksDir    string
	RemoteBaseDir    string
	RemoteTasksDir   string
	RemoteEnginesDir string
	PassInterval     time.Duration
}

// New builds a Controller. It does not start the pass loop; call Start.
func New(store Store, sessions Sessions, clouds Clouds, webhooks *webhook.Pool, engines engine.Repository, logger log15.Logger, cfg Config) *Controller {
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = 10 * time.Second
	}
	if cfg.RemoteTasksDir == "" {
		cfg.RemoteTasksDir = cfg.RemoteBaseDir
	}
	if cfg.RemoteEnginesDir == "" {
		cfg.RemoteEnginesDir = path.Join(cfg.RemoteBaseDir, "engines")
	}
	return &Controller{
		store:            store,
		sessions:         sessions,
		clouds:           clouds,
		webhooks:         webhooks,
		engines:          engines,
		log:              logger,
		defaultUser:      cfg.DefaultSSHUser,
		localTasksDir:    cfg.LocalTasksDir,
		remoteBaseDir:    cfg.RemoteBaseDir,
		remoteTasksDir:   cfg.RemoteTasksDir,
		remoteEnginesDir: cfg.RemoteEnginesDir,
		passInterval:     cfg.PassInterval,
		idleCounts:       make(map[string]int),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Submit validates the engine name and every declared input file, stamps
// a fresh remote_folder onto the task's metadata, and records a new
// to_do task. Validation failures reject the submission before anything
// touches the database.
func (c *Controller) Submit(ctx context.Context, label string, md meta.Document) (int64, error) {
	name, ok := md.GetString("engine")
	if !ok {
		return 0, errUnknownEngine("")
	}
	e, ok := c.engines.Get(name)
	if !ok {
		return 0, errUnknownEngine(name)
	}
	for _, input := range e.InputFiles {
		if _, ok := md.GetString(input); !ok {
			return 0, errMissingInput(input)
		}
	}

	md = md.Clone()
	md.Set("remote_folder", NewRemoteFolder(c.remoteTasksDir))
	return c.store.InsertTask(ctx, label, md)
}

// NewRemoteFolder builds a fresh remote task folder path under baseDir. It
// is exported so callers that submit tasks without a running Controller
// (the CLI's ad-hoc "submit" subcommand) can stamp remote_folder the same
// way Submit does.
func NewRemoteFolder(baseDir string) string {
	return path.Join(baseDir, randomTaskFolderName())
}

type errUnknownEngine string

func (e errUnknownEngine) Error() string {
	if e == "" {
		return "scheduler: task metadata is missing the required \"engine\" key"
	}
	return "scheduler: unknown engine " + string(e)
}

type errMissingInput string

func (e errMissingInput) Error() string {
	return "scheduler: task metadata is missing required input file " + string(e)
}

// taskFolderSuffix is how many random lowercase letters randomTaskFolderName
// appends after the timestamp.
const taskFolderSuffix = 4

const lowercaseLetters = "abcdefghijklmnopqrstuvwxyz"

// randomTaskFolderName produces a remote task folder name of the form
// YYYYMMDD_HHMMSS_xxxx. The timestamp keeps sibling folders sortable by
// submission time; the suffix disambiguates same-second submissions.
func randomTaskFolderName() string {
	suffix := make([]byte, taskFolderSuffix)
	for i := range suffix {
		suffix[i] = lowercaseLetters[rand.Intn(len(lowercaseLetters))]
	}
	return time.Now().Format("20060102_150405") + "_" + string(suffix)
}

// Start runs passes on passInterval until Stop is called, in its own
// goroutine.
func (c *Controller) Start(ctx context.Context) {
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.passInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if err := c.Pass(ctx); err != nil {
					c.log.Error("scheduler: pass failed", "err", err)
				}
			}
		}
	}()
}

// Stop breaks the controller out of its loop, stops the cloud manager
// (cancelling outstanding intents but waiting for in-flight provider
// calls), then stops and joins the webhook workers. In-flight remote
// commands are not cancelled; their sessions are simply closed.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.clouds.Stop()
	c.webhooks.Stop()
	if err := c.sessions.CloseAll(); err != nil {
		c.log.Error("scheduler: closing sessions", "err", err)
	}
}

// shuffleFree returns a shuffled copy of ips. Dispatch picks nodes
// uniformly at random, with no task-to-node affinity.
func shuffleFree(ips []string) []string {
	out := make([]string, len(ips))
	copy(out, ips)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func printStats(nodes []model.Node, running, toDo int, cloudLoad map[string]int) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"nodes", "enabled", "running tasks", "to-do tasks", "cloud calls in flight"})
	table.Append([]string{
		strconv.Itoa(len(nodes)),
		strconv.Itoa(countEnabled(nodes)),
		strconv.Itoa(running),
		strconv.Itoa(toDo),
		strconv.Itoa(sumLoad(cloudLoad)),
	})
	table.Render()
}

func sumLoad(load map[string]int) int {
	n := 0
	for _, v := range load {
		n += v
	}
	return n
}

func countEnabled(nodes []model.Node) int {
	n := 0
	for _, node := range nodes {
		if node.Enabled {
			n++
		}
	}
	return n
}
