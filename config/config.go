package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Topology defaults: 3 shards of 3 nodes, 3000 keys per shard, RPC ports
// starting right above basePort. Every knob can be overridden through the
// environment (a .env file is honored when present).
const (
	defaultShardCount    = 3
	defaultNodesPerShard = 3
	defaultKeysPerShard  = 3000
	defaultBasePort      = 8000
	defaultSeedBalance   = 10

	defaultElectionTimeout    = 3 * time.Second
	defaultProposalTimeout    = 750 * time.Millisecond
	defaultProbeInterval      = 500 * time.Millisecond
	defaultRetransmitInterval = 1500 * time.Millisecond
)

var (
	loadOnce sync.Once

	shardCount    int
	nodesPerShard int
	keysPerShard  int
	basePort      int
	seedBalance   int
	dataDir       string

	electionTimeout    time.Duration
	proposalTimeout    time.Duration
	probeInterval      time.Duration
	retransmitInterval time.Duration
)

func load() {
	loadOnce.Do(func() {
		// Missing .env is fine; the environment still applies.
		_ = godotenv.Load()

		shardCount = envInt("SHARD_COUNT", defaultShardCount)
		nodesPerShard = envInt("NODES_PER_SHARD", defaultNodesPerShard)
		keysPerShard = envInt("KEYS_PER_SHARD", defaultKeysPerShard)
		basePort = envInt("BASE_PORT", defaultBasePort)
		seedBalance = envInt("SEED_BALANCE", defaultSeedBalance)
		dataDir = envString("DATA_DIR", "Database")

		electionTimeout = envDuration("ELECTION_TIMEOUT_MS", defaultElectionTimeout)
		proposalTimeout = envDuration("PROPOSAL_TIMEOUT_MS", defaultProposalTimeout)
		probeInterval = envDuration("PROBE_INTERVAL_MS", defaultProbeInterval)
		retransmitInterval = envDuration("RETRANSMIT_INTERVAL_MS", defaultRetransmitInterval)
	})
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

func envString(key, fallback string) string {
	if raw := os.Getenv(key); raw != "" {
		return raw
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func ShardCount() int {
	load()
	return shardCount
}

func NodesPerShard() int {
	load()
	return nodesPerShard
}

func TotalNodes() int {
	load()
	return shardCount * nodesPerShard
}

// Quorum is a majority of a shard's configured membership, not of the nodes
// currently alive.
func Quorum() int {
	load()
	return nodesPerShard/2 + 1
}

func SeedBalance() int {
	load()
	return seedBalance
}

func DataDir() string {
	load()
	return dataDir
}

func ElectionTimeout() time.Duration {
	load()
	return electionTimeout
}

func ProposalTimeout() time.Duration {
	load()
	return proposalTimeout
}

func ProbeInterval() time.Duration {
	load()
	return probeInterval
}

func RetransmitInterval() time.Duration {
	load()
	return retransmitInterval
}

func NodePort(nodeID int) int {
	load()
	if nodeID < 1 || nodeID > TotalNodes() {
		return 0
	}
	return basePort + nodeID
}

// InspectPort is the read-only HTTP port for a node, kept well away from the
// RPC range.
func InspectPort(nodeID int) int {
	load()
	if nodeID < 1 || nodeID > TotalNodes() {
		return 0
	}
	return basePort + 1000 + nodeID
}

func ShardOfNode(nodeID int) int {
	load()
	if nodeID < 1 || nodeID > TotalNodes() {
		return 0
	}
	return (nodeID-1)/nodesPerShard + 1
}

func NodesOfShard(shardID int) []int {
	load()
	if shardID < 1 || shardID > shardCount {
		return nil
	}
	start := (shardID-1)*nodesPerShard + 1
	nodes := make([]int, 0, nodesPerShard)
	for i := 0; i < nodesPerShard; i++ {
		nodes = append(nodes, start+i)
	}
	return nodes
}

// LeaderHint is where clients try first before a ballot has taught them
// better: the lowest node id of the shard.
func LeaderHint(shardID int) int {
	load()
	if shardID < 1 || shardID > shardCount {
		return 0
	}
	return (shardID-1)*nodesPerShard + 1
}

func ShardKeyRange(shardID int) (int, int) {
	load()
	if shardID < 1 || shardID > shardCount {
		return 0, -1
	}
	start := (shardID-1)*keysPerShard + 1
	return start, start + keysPerShard - 1
}

// DefaultShardForKey ignores reshard overrides; ShardMap.ShardForKey is the
// routing entry point.
func DefaultShardForKey(key int) int {
	load()
	if key < 1 || key > shardCount*keysPerShard {
		return 0
	}
	return (key-1)/keysPerShard + 1
}
