// Package coordination elects a single leader among otherwise-identical
// scanorc nodes via Raft, so the singleton background duty -- the
// orphaned-job sweep -- runs on exactly one node at a time even when
// several are deployed for availability. It
// carries no application state of its own: the Job Store and Module
// Registry already live in Postgres, shared by every node, so the Raft
// log here replicates nothing but leadership itself.
package coordination

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/scanorc/internal/apperrors"
	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/metrics"
)

// Config configures one node's participation in the coordination group.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	// Peers lists every node's (ServerID, address) pair for the initial
	// cluster configuration. A single-entry Peers bootstraps a one-node
	// group, which is still a valid (trivially-leader) deployment.
	Peers []Peer
}

// Peer is one voting member of the coordination group.
type Peer struct {
	NodeID string
	Addr   string
}

// Coordinator wraps a Raft instance used purely for leader election.
type Coordinator struct {
	raft *raft.Raft
	fsm  *noopFSM
}

// New bootstraps (or rejoins) the coordination group and returns a
// Coordinator. Raft's own heartbeat/election timeouts are tuned down from
// its WAN-oriented defaults since scanorc nodes are expected to sit on
// the same LAN and a dead leader should be replaced within seconds.
func New(cfg Config) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrConfiguration, "create coordination data dir: %v", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrConfiguration, "resolve bind address: %v", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "create raft transport: %v", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "create snapshot store: %v", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "create raft log store: %v", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "create raft stable store: %v", err)
	}

	fsm := &noopFSM{}
	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "create raft instance: %v", err)
	}

	peers := cfg.Peers
	if len(peers) == 0 {
		peers = []Peer{{NodeID: cfg.NodeID, Addr: cfg.BindAddr}}
	}
	servers := make([]raft.Server, 0, len(peers))
	for _, p := range peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(p.NodeID), Address: raft.ServerAddress(p.Addr)})
	}
	future := r.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, apperrors.Wrapf(apperrors.ErrInfrastructure, "bootstrap coordination group: %v", err)
	}

	return &Coordinator{raft: r, fsm: fsm}, nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (c *Coordinator) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// Shutdown releases the Raft instance.
func (c *Coordinator) Shutdown() error {
	return c.raft.Shutdown().Error()
}

// RunWhileLeader calls fn every interval for as long as (and only while)
// this node is the leader, until ctx is cancelled. It drives the
// orphaned-job sweep: safe to run from any one node, but running it from
// every node would waste work and race on which node's view of
// "orphaned" wins.
func (c *Coordinator) RunWhileLeader(ctx context.Context, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wasLeader := c.IsLeader()
			metrics.CoordinationLeader.Set(boolToFloat(wasLeader))
			if !wasLeader {
				continue
			}
			if err := fn(ctx); err != nil {
				log.Errorf("leader background duty failed", err)
			}
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// noopFSM satisfies raft.FSM without replicating any state: the only
// thing this Raft group decides is which node is leader.
type noopFSM struct{}

func (f *noopFSM) Apply(*raft.Log) interface{} { return nil }

func (f *noopFSM) Snapshot() (raft.FSMSnapshot, error) { return &noopSnapshot{}, nil }

func (f *noopFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type noopSnapshot struct{}

func (s *noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (s *noopSnapshot) Release()                             {}
