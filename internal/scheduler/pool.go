package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hlsconverter/orchestrator/internal/logging"
	"github.com/hlsconverter/orchestrator/internal/monitor"
	"github.com/hlsconverter/orchestrator/internal/queue"
)

type PoolConfig struct {
	Instances int
	NodeID    string
	// Owner labels the units this pool launches. It defaults to the
	// launcher's owner, then to a fresh NewOwnerID(NodeID).
	Owner     string
	Scheduler Config
	Monitor   monitor.Config

	NodeKeyPrefix     string
	HeartbeatInterval time.Duration
	// HeartbeatTTL is how long after its last beat an owner counts as
	// alive. Defaults to three intervals.
	HeartbeatTTL      time.Duration
}

// Pool runs several scheduler and monitor pairs against the same shared
// store. Each instance monitors only the units it launched or adopted.
type Pool struct {
	cfg       PoolConfig
	deps      Deps
	log       *zap.Logger
	instances []*Scheduler

	registered atomic.Bool
}

func NewPool(cfg PoolConfig, deps Deps, log *zap.Logger) *Pool {
	if cfg.Instances <= 0 {
		cfg.Instances = 1
	}
	if cfg.Owner == "" && deps.Launcher != nil {
		cfg.Owner = deps.Launcher.Owner()
	}
	if cfg.Owner == "" {
		cfg.Owner = NewOwnerID(cfg.NodeID)
	}
	if cfg.NodeKeyPrefix == "" {
		cfg.NodeKeyPrefix = defaultNodeKeyPrefix
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 3 * cfg.HeartbeatInterval
	}
	log = logging.OrNop(log)
	p := &Pool{cfg: cfg, deps: deps, log: log.Named("pool").With(zap.String("owner", cfg.Owner))}
	if deps.Slots != nil {
		deps.Slots.SetHolder(p.keysFor(cfg.Owner).held)
	}
	for i := 0; i < cfg.Instances; i++ {
		id := fmt.Sprintf("%s-%d", cfg.NodeID, i)
		mon := monitor.New(deps.Exec, deps.Jobs, deps.Slots, deps.Blobs, cfg.Monitor, log.With(zap.String("instance", id)))
		p.instances = append(p.instances, New(id, cfg.Scheduler, deps, mon, log))
	}
	return p
}

func (p *Pool) Instances() []*Scheduler { return p.instances }

// Enqueue adds a job through the first instance; every instance is woken.
func (p *Pool) Enqueue(ctx context.Context, e queue.Entry) error {
	return p.instances[0].Enqueue(ctx, e)
}

// Run starts every instance and returns once all of them have stopped. An
// instance that stops because it went idle also stops its monitor. The pool
// heartbeats for as long as any instance runs.
func (p *Pool) Run(ctx context.Context) error {
	hbCtx, stopBeat := context.WithCancel(ctx)
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		p.heartbeat(hbCtx)
	}()
	defer func() {
		stopBeat()
		<-beatDone
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range p.instances {
		g.Go(func() error {
			ictx, cancel := context.WithCancel(ctx)
			defer cancel()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Monitor().Run(ictx)
			}()

			err := s.Run(ictx)
			cancel()
			wg.Wait()
			return err
		})
	}
	err := g.Wait()
	p.log.Info("all scheduler instances stopped")
	return err
}

// Tracked is the number of units watched across all instances.
func (p *Pool) Tracked() int {
	n := 0
	for _, s := range p.instances {
		n += s.Monitor().Tracked()
	}
	return n
}

// Stats is a point-in-time view of queue and capacity.
type Stats struct {
	QueuedJobs        int64 `json:"queuedJobs"`
	ProcessingJobs    int64 `json:"processingJobs"`
	MaxConcurrentJobs int64 `json:"maxConcurrentJobs"`
	AvailableSlots    int64 `json:"availableSlots"`
	KeepAlive         bool  `json:"keepAlive"`
	TrackedUnits      int   `json:"trackedUnits"`
	Instances         int   `json:"instances"`
}

func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	return CollectStats(ctx, p.deps, p.cfg.Scheduler.KeepAliveKey, p.Tracked(), len(p.instances))
}

// CollectStats reads queue and capacity figures from the shared store. It is
// used both by a running pool and by one-shot CLI commands.
func CollectStats(ctx context.Context, deps Deps, keepAliveKey string, tracked, instances int) (Stats, error) {
	queued, err := deps.Queue.Len(ctx)
	if err != nil {
		return Stats{}, err
	}
	load, err := deps.Slots.CurrentLoad(ctx)
	if err != nil {
		return Stats{}, err
	}
	keep, err := deps.Shared.Flag(ctx, keepAliveKey)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		QueuedJobs:        queued,
		ProcessingJobs:    load,
		MaxConcurrentJobs: deps.Slots.Max(),
		AvailableSlots:    max(deps.Slots.Max()-load, 0),
		KeepAlive:         keep,
		TrackedUnits:      tracked,
		Instances:         instances,
	}, nil
}

// SetKeepAlive turns idle shutdown off (true) or on (false) and wakes the
// instances so an idle one can stop.
func (p *Pool) SetKeepAlive(ctx context.Context, on bool) error {
	if err := p.deps.Shared.SetFlag(ctx, p.cfg.Scheduler.KeepAliveKey, on); err != nil {
		return err
	}
	for _, s := range p.instances {
		s.Wake()
	}
	return nil
}
