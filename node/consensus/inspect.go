package consensus

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"shardledger/config"
)

// StartInspectServer serves a read-only HTTP view of the node for debugging
// and the driver's verification passes. It never mutates state; every write
// path stays behind the RPC surface.
func (n *NodeService) StartInspectServer() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/status", func(c *gin.Context) {
		n.mu.RLock()
		status := gin.H{
			"node":         n.id,
			"shard":        n.shardID,
			"live":         n.isLive,
			"recovered":    n.recovered,
			"ballot":       n.ballot,
			"lastExecuted": n.lastExecuted,
			"slotCounter":  n.slotCounter,
			"logEntries":   len(n.acceptLog),
		}
		n.mu.RUnlock()
		status["liveCount"] = n.countLive()
		status["degraded"] = n.quorumLost()
		status["shardMapVersion"] = n.shardMap.Version()
		c.JSON(http.StatusOK, status)
	})

	router.GET("/view", func(c *gin.Context) {
		n.mu.RLock()
		defer n.mu.RUnlock()
		c.JSON(http.StatusOK, gin.H{"ballot": n.ballot, "leader": n.ballot.NodeID})
	})

	router.GET("/log", func(c *gin.Context) {
		n.mu.RLock()
		entries := make([]config.LogEntry, len(n.acceptLog))
		copy(entries, n.acceptLog)
		n.mu.RUnlock()
		c.JSON(http.StatusOK, entries)
	})

	router.GET("/db", func(c *gin.Context) {
		keys := n.store.ModifiedKeys()
		balances := make(map[string]int, len(keys))
		for _, key := range keys {
			balance, err := n.store.Balance(key)
			if err != nil {
				continue
			}
			balances[strconv.Itoa(key)] = balance
		}
		c.JSON(http.StatusOK, balances)
	})

	router.GET("/balance/:key", func(c *gin.Context) {
		key, err := strconv.Atoi(c.Param("key"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
			return
		}
		balance, err := n.store.Balance(key)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"key": key, "balance": balance})
	})

	router.GET("/shardmap", func(c *gin.Context) {
		c.JSON(http.StatusOK, n.shardMap.Snapshot())
	})

	addr := fmt.Sprintf(":%d", config.InspectPort(n.id))
	go func() {
		if err := router.Run(addr); err != nil {
			n.logger.Error("inspect server stopped", "node", n.id, "err", err)
		}
	}()
	n.logger.Info("inspect server started", "node", n.id, "addr", addr)
	return nil
}
