package client

import (
	"context"
	"fmt"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"

	"shardledger/config"
)

const retryBackoff = 100 * time.Millisecond

// Client is the reliability layer over the shard RPCs. Every write carries a
// client-assigned transaction id and is retried until some leader returns a
// terminal outcome; server-side dedup on that id keeps the effect applied at
// most once, so the client observes each outcome exactly once.
type Client struct {
	shardMap *config.ShardMap

	mu         sync.RWMutex
	leaders    map[int]int
	writeCache map[int]int
}

func New(shardMap *config.ShardMap) *Client {
	return &Client{
		shardMap:   shardMap,
		leaders:    make(map[int]int),
		writeCache: make(map[int]int),
	}
}

func (c *Client) ShardMap() *config.ShardMap {
	return c.shardMap
}

func (c *Client) leaderFor(shardID int) int {
	c.mu.RLock()
	leader, ok := c.leaders[shardID]
	c.mu.RUnlock()
	if ok && leader != 0 {
		return leader
	}
	return config.LeaderHint(shardID)
}

func (c *Client) noteLeader(shardID int, ballot config.Ballot) {
	if ballot.NodeID == 0 {
		return
	}
	c.mu.Lock()
	c.leaders[shardID] = ballot.NodeID
	c.mu.Unlock()
}

func (c *Client) noteWritten(written map[int]int) {
	if len(written) == 0 {
		return
	}
	c.mu.Lock()
	for key, balance := range written {
		c.writeCache[key] = balance
	}
	c.mu.Unlock()
}

func (c *Client) cachedBalance(key int) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	balance, ok := c.writeCache[key]
	return balance, ok
}

func (c *Client) call(nodeID int, method string, req interface{}, resp interface{}) error {
	port := config.NodePort(nodeID)
	if port == 0 {
		return fmt.Errorf("no port for node %d", nodeID)
	}
	conn, err := rpc.DialHTTP("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Call(method, req, resp)
}

// Transfer moves amount from sender to receiver and blocks until the system
// reports a terminal outcome or ctx expires.
func (c *Client) Transfer(ctx context.Context, sender, receiver, amount int) (config.Reply, error) {
	txn := config.Transaction{
		ID:       uuid.NewString(),
		Sender:   sender,
		Receiver: receiver,
		Amount:   amount,
	}
	return c.submit(ctx, txn)
}

// submit retries the transaction against its shard until a terminal
// outcome. Each round tries the believed leader first, then every node of
// the shard; ballot hints in replies steer the next round.
func (c *Client) submit(ctx context.Context, txn config.Transaction) (config.Reply, error) {
	shardID := c.shardMap.ShardForKey(txn.Sender)
	if shardID == 0 {
		return config.Reply{}, fmt.Errorf("key %d outside every shard range", txn.Sender)
	}

	for {
		reply, done := c.tryRound(shardID, txn)
		if done {
			c.noteWritten(reply.Written)
			return reply, nil
		}
		select {
		case <-ctx.Done():
			return config.Reply{TxnID: txn.ID, Outcome: config.OutcomePending, Msg: "ClientGaveUp"}, ctx.Err()
		case <-time.After(retryBackoff):
		}
		// Routing may have changed while we were retrying.
		shardID = c.shardMap.ShardForKey(txn.Sender)
		if shardID == 0 {
			return config.Reply{}, fmt.Errorf("key %d outside every shard range", txn.Sender)
		}
	}
}

func terminal(outcome config.Outcome) bool {
	switch outcome {
	case config.OutcomeCommitted, config.OutcomeAborted, config.OutcomeSkipped:
		return true
	}
	return false
}

func (c *Client) tryRound(shardID int, txn config.Transaction) (config.Reply, bool) {
	leader := c.leaderFor(shardID)
	targets := []int{leader}
	for _, nodeID := range config.NodesOfShard(shardID) {
		if nodeID != leader {
			targets = append(targets, nodeID)
		}
	}
	for _, target := range targets {
		var reply config.Reply
		if err := c.call(target, "Node.ClientRequest", txn, &reply); err != nil {
			continue
		}
		c.noteLeader(shardID, reply.Ballot)
		if terminal(reply.Outcome) {
			return reply, true
		}
	}
	return config.Reply{}, false
}

// Read returns a key's balance. Linearizable reads go through the leader and
// retry like writes; eventual reads take the first answer from any node of
// the shard, preferring the client's own last written value for the key so a
// client always sees its own committed transfers.
func (c *Client) Read(ctx context.Context, key int, consistency config.Consistency) (int, error) {
	if consistency != config.Linearizable {
		if balance, ok := c.cachedBalance(key); ok {
			return balance, nil
		}
	}
	txn := config.Transaction{
		ID:          uuid.NewString(),
		Sender:      key,
		ReadOnly:    true,
		Consistency: consistency,
	}
	shardID := c.shardMap.ShardForKey(key)
	if shardID == 0 {
		return 0, fmt.Errorf("key %d outside every shard range", key)
	}

	for {
		leader := c.leaderFor(shardID)
		targets := []int{leader}
		for _, nodeID := range config.NodesOfShard(shardID) {
			if nodeID != leader {
				targets = append(targets, nodeID)
			}
		}
		for _, target := range targets {
			var reply config.Reply
			if err := c.call(target, "Node.ClientRequest", txn, &reply); err != nil {
				continue
			}
			c.noteLeader(shardID, reply.Ballot)
			switch reply.Outcome {
			case config.OutcomeCommitted:
				c.noteWritten(map[int]int{key: reply.Balance})
				return reply.Balance, nil
			case config.OutcomeAborted, config.OutcomeSkipped:
				return 0, fmt.Errorf("read %d failed: %s", key, reply.Msg)
			}
			if consistency != config.Linearizable {
				continue
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
}

// InstallShardMap updates the client's routing after a reshard.
func (c *Client) InstallShardMap(update config.ShardMapUpdate) error {
	return c.shardMap.Install(update.Version, update.Overrides)
}
