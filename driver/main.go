package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"net/rpc"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"shardledger/client"
	"shardledger/config"
)

const (
	inputCSVPath = "Input/workload.csv"
	flatCSVPath  = "Input/workload_flat.csv"

	segmentWorkers = 8
	txnTimeout     = 20 * time.Second
)

// OrderedItem is one line of a workload set: a transaction or a node
// fail/recover command, in the order the set lists them.
type OrderedItem struct {
	Kind string
	Txn  config.Transaction
	Node int
}

type performanceTracker struct {
	mu       sync.Mutex
	count    int
	first    time.Time
	last     time.Time
	totalLat time.Duration
}

func newPerformanceTracker() *performanceTracker {
	return &performanceTracker{}
}

func (p *performanceTracker) record(start, end time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 || start.Before(p.first) {
		p.first = start
	}
	if end.After(p.last) {
		p.last = end
	}
	p.count++
	p.totalLat += end.Sub(start)
}

func (p *performanceTracker) summary() (count int, duration time.Duration, throughput float64, avgLatency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	count = p.count
	if count == 0 {
		return
	}
	duration = p.last.Sub(p.first)
	if duration > 0 {
		throughput = float64(count) / duration.Seconds()
	}
	avgLatency = p.totalLat / time.Duration(count)
	return
}

var (
	lastSetMu           sync.Mutex
	lastSetTransactions []config.Transaction
)

func startInputReader() <-chan string {
	ch := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
		close(ch)
	}()
	return ch
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "benchmark" {
		cfgPath := "Input/benchmark.json"
		if len(os.Args) > 2 {
			cfgPath = os.Args[2]
		}
		if err := runBenchmark(cfgPath); err != nil {
			log.Fatalf("benchmark failed: %v", err)
		}
		return
	}

	if err := flattenCSV(inputCSVPath, flatCSVPath); err != nil {
		log.Fatalf("failed to flatten csv: %v", err)
	}
	setItems, setLiveNodes, err := loadOrderedItems(flatCSVPath)
	if err != nil {
		log.Fatalf("failed to load ordered items: %v", err)
	}

	shardMap, err := config.NewShardMap("Input/shardmap.json")
	if err != nil {
		log.Fatalf("failed to load shard map: %v", err)
	}
	cl := client.New(shardMap)

	setNumbers := collectAndSortSetIDs(setItems)
	inputCh := startInputReader()
	fmt.Println("Controls: Press Enter to run a set, type 'next' while it runs to skip the remainder, and type 'reshard' between sets to rebalance the last completed set.")

	for _, setID := range setNumbers {
		currentSetTxns := make([]config.Transaction, 0, len(setItems[setID]))
		fmt.Printf("\n===== Set %s =====\n", setID)
		fmt.Print("Press Enter to start this set (or type 'next' to skip): ")

		startSet := true
	startLoop:
		for {
			line, ok := <-inputCh
			if !ok {
				startSet = false
				break
			}
			cmd := strings.TrimSpace(strings.ToLower(line))
			if cmd == "" {
				break startLoop
			}
			if cmd == "next" {
				startSet = false
				break startLoop
			}
			if cmd == "reshard" {
				runReshardCommand(cl)
				fmt.Print("Press Enter to start this set (or type 'next' to skip): ")
				continue
			}
			fmt.Print("Press Enter to start this set (or type 'next' to skip): ")
		}

		if !startSet {
			fmt.Printf("Skipping set %s\n", setID)
			fmt.Printf("===== Completed set %s =====\n", setID)
			continue
		}

		fmt.Println("Flushing system state...")
		flushSystem()

		liveNodes := setLiveNodes[setID]
		if len(liveNodes) == 0 {
			liveNodes = allNodeIDs()
		}
		applyInitialLiveness(liveNodes)

		metrics := newPerformanceTracker()
		ctx, cancel := context.WithCancel(context.Background())
		doneCh := make(chan struct{})
		go func(txnLog *[]config.Transaction) {
			processSet(ctx, cl, setItems[setID], metrics, txnLog)
			close(doneCh)
		}(&currentSetTxns)

	setActive:
		for {
			select {
			case <-doneCh:
				break setActive
			case line, ok := <-inputCh:
				if !ok {
					cancel()
					<-doneCh
					break setActive
				}
				cmd := strings.TrimSpace(strings.ToLower(line))
				if cmd == "next" {
					fmt.Println("Skipping remaining transactions for this set...")
					cancel()
					<-doneCh
					break setActive
				} else if cmd == "reshard" {
					fmt.Println("Cannot reshard while a set is executing. Wait until it completes.")
				} else if cmd != "" {
					fmt.Println("Unknown command while set running. Type 'next' to skip.")
				}
			}
		}
		cancel()
		reportPerformance(setID, metrics)
		lastSetMu.Lock()
		lastSetTransactions = append([]config.Transaction(nil), currentSetTxns...)
		lastSetMu.Unlock()
		fmt.Printf("===== Completed set %s =====\n", setID)
	}

	fmt.Println("All sets processed")
}

func runReshardCommand(cl *client.Client) {
	lastSetMu.Lock()
	txns := append([]config.Transaction(nil), lastSetTransactions...)
	lastSetMu.Unlock()
	if len(txns) == 0 {
		fmt.Println("No completed set to reshard from.")
		return
	}
	moves, err := executeReshard(cl, txns)
	if err != nil {
		fmt.Printf("Reshard failed: %v\n", err)
		return
	}
	if len(moves) == 0 {
		fmt.Println("Reshard plan made no moves.")
		return
	}
	for _, move := range moves {
		fmt.Printf("moved key %d: S%d -> S%d\n", move.Key, move.From, move.To)
	}
	fmt.Printf("Reshard complete: %d keys moved, shard map version %d\n", len(moves), cl.ShardMap().Version())
}

// processSet runs the set's items in order: transactions accumulate into a
// segment that is flushed concurrently, and fail/recover commands act as
// barriers between segments.
func processSet(ctx context.Context, cl *client.Client, items []OrderedItem, perf *performanceTracker, recorded *[]config.Transaction) {
	var segment []config.Transaction
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		switch item.Kind {
		case "txn":
			segment = append(segment, item.Txn)
		case "fail":
			processSegment(ctx, cl, segment, perf, recorded)
			if ctx.Err() != nil {
				return
			}
			segment = nil
			fmt.Printf("Failing node n%d\n", item.Node)
			setNodeStatus(item.Node, false)
		case "recover":
			processSegment(ctx, cl, segment, perf, recorded)
			if ctx.Err() != nil {
				return
			}
			segment = nil
			fmt.Printf("Recovering node n%d\n", item.Node)
			setNodeStatus(item.Node, true)
		}
	}
	processSegment(ctx, cl, segment, perf, recorded)
}

func processSegment(ctx context.Context, cl *client.Client, txns []config.Transaction, perf *performanceTracker, recorded *[]config.Transaction) {
	if len(txns) == 0 {
		return
	}
	workers := segmentWorkers
	if len(txns) < workers {
		workers = len(txns)
	}
	work := make(chan config.Transaction)
	var wg sync.WaitGroup
	var recordMu sync.Mutex
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for txn := range work {
				runOne(ctx, cl, txn, perf)
				recordMu.Lock()
				*recorded = append(*recorded, txn)
				recordMu.Unlock()
			}
		}()
	}
	for _, txn := range txns {
		if ctx.Err() != nil {
			break
		}
		work <- txn
	}
	close(work)
	wg.Wait()
}

func runOne(ctx context.Context, cl *client.Client, txn config.Transaction, perf *performanceTracker) {
	txnCtx, cancel := context.WithTimeout(ctx, txnTimeout)
	defer cancel()
	start := time.Now()
	if txn.ReadOnly {
		balance, err := cl.Read(txnCtx, txn.Sender, txn.Consistency)
		perf.record(start, time.Now())
		if err != nil {
			fmt.Printf("read %d: error %v\n", txn.Sender, err)
			return
		}
		fmt.Printf("read %d: balance=%d\n", txn.Sender, balance)
		return
	}
	reply, err := cl.Transfer(txnCtx, txn.Sender, txn.Receiver, txn.Amount)
	perf.record(start, time.Now())
	if err != nil {
		fmt.Printf("txn %d->%d amt=%d: error %v\n", txn.Sender, txn.Receiver, txn.Amount, err)
		return
	}
	fmt.Printf("txn %d->%d amt=%d: %s (%s)\n", txn.Sender, txn.Receiver, txn.Amount, reply.Outcome, reply.Msg)
}

func reportPerformance(setID string, tracker *performanceTracker) {
	count, duration, throughput, avgLatency := tracker.summary()
	if count == 0 {
		fmt.Printf("Set %s: no transactions measured\n", setID)
		return
	}
	fmt.Printf("Set %s: %d txns in %v, throughput %.2f txn/s, avg latency %v\n",
		setID, count, duration.Round(time.Millisecond), throughput, avgLatency.Round(time.Millisecond))
}

// --- CSV workload ---

// flattenCSV forward-fills the set id and live-node columns so every row is
// self-contained.
func flattenCSV(inPath, outPath string) error {
	inFile, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer inFile.Close()

	reader := csv.NewReader(inFile)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("input csv empty")
	}

	if err := os.MkdirAll("Input", 0o755); err != nil {
		return err
	}
	outFile, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	writer := csv.NewWriter(outFile)
	defer writer.Flush()

	if err := writer.Write(rows[0]); err != nil {
		return err
	}
	currentSet := ""
	currentLive := ""
	for _, row := range rows[1:] {
		for len(row) < 3 {
			row = append(row, "")
		}
		if strings.TrimSpace(row[0]) != "" {
			currentSet = strings.TrimSpace(row[0])
		}
		if strings.TrimSpace(row[2]) != "" {
			currentLive = strings.TrimSpace(row[2])
		}
		if currentSet == "" {
			continue
		}
		if err := writer.Write([]string{currentSet, row[1], currentLive}); err != nil {
			return err
		}
	}
	return nil
}

func loadOrderedItems(path string) (map[string][]OrderedItem, map[string][]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("no records in csv")
	}

	setItems := make(map[string][]OrderedItem)
	setLiveNodes := make(map[string][]int)

	for _, rec := range records[1:] {
		for len(rec) < 3 {
			rec = append(rec, "")
		}
		setID := strings.TrimSpace(rec[0])
		entry := strings.TrimSpace(rec[1])
		live := strings.TrimSpace(rec[2])
		if setID == "" {
			continue
		}
		if live != "" {
			setLiveNodes[setID] = parseLiveNodes(live)
		}
		if entry == "" {
			continue
		}
		if kind, nodeID, ok := parseNodeCommand(entry); ok {
			setItems[setID] = append(setItems[setID], OrderedItem{Kind: kind, Node: nodeID})
			continue
		}
		txn, err := parseTransaction(entry)
		if err != nil {
			log.Printf("Skipping invalid transaction %q: %v", entry, err)
			continue
		}
		setItems[setID] = append(setItems[setID], OrderedItem{Kind: "txn", Txn: txn})
	}
	return setItems, setLiveNodes, nil
}

// parseTransaction accepts "(sender, receiver, amount)" for transfers and a
// bare "(key)" for a read. A trailing "L" on a read asks for linearizable.
func parseTransaction(raw string) (config.Transaction, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "() ")
	if raw == "" {
		return config.Transaction{}, fmt.Errorf("empty transaction")
	}

	parts := strings.Split(raw, ",")
	if len(parts) == 1 {
		token := strings.TrimSpace(parts[0])
		consistency := config.Eventual
		if strings.HasSuffix(token, "L") {
			consistency = config.Linearizable
			token = strings.TrimSuffix(token, "L")
		}
		key, err := parseAccountToken(token)
		if err != nil {
			return config.Transaction{}, err
		}
		return config.Transaction{Sender: key, Receiver: key, ReadOnly: true, Consistency: consistency}, nil
	}

	if len(parts) < 3 {
		return config.Transaction{}, fmt.Errorf("invalid transaction format: %s", raw)
	}
	sender, err := parseAccountToken(parts[0])
	if err != nil {
		return config.Transaction{}, err
	}
	receiver, err := parseAccountToken(parts[1])
	if err != nil {
		return config.Transaction{}, err
	}
	amount, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return config.Transaction{}, err
	}
	return config.Transaction{Sender: sender, Receiver: receiver, Amount: amount}, nil
}

func parseAccountToken(token string) (int, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, fmt.Errorf("empty account token")
	}
	if len(token) == 1 && token[0] >= 'A' && token[0] <= 'Z' {
		return int(token[0]-'A') + 1, nil
	}
	return strconv.Atoi(token)
}

func parseNodeCommand(entry string) (string, int, bool) {
	entry = strings.TrimSpace(entry)
	if len(entry) < 4 {
		return "", 0, false
	}
	prefix := entry[:2]
	if prefix != "F(" && prefix != "R(" {
		return "", 0, false
	}
	cmd := "fail"
	if prefix == "R(" {
		cmd = "recover"
	}
	nodeStr := strings.TrimSuffix(strings.TrimPrefix(entry, prefix), ")")
	nodeStr = strings.TrimSpace(nodeStr)
	nodeStr = strings.TrimPrefix(nodeStr, "n")
	nodeID, err := strconv.Atoi(nodeStr)
	if err != nil {
		return "", 0, false
	}
	return cmd, nodeID, true
}

func parseLiveNodes(raw string) []int {
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "[]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var nodes []int
	for _, part := range parts {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "n")
		if part == "" {
			continue
		}
		if nodeID, err := strconv.Atoi(part); err == nil {
			nodes = append(nodes, nodeID)
		}
	}
	return nodes
}

func collectAndSortSetIDs(items map[string][]OrderedItem) []string {
	setIDs := make([]string, 0, len(items))
	for id := range items {
		setIDs = append(setIDs, id)
	}
	sort.Slice(setIDs, func(i, j int) bool {
		li, err1 := strconv.Atoi(setIDs[i])
		lj, err2 := strconv.Atoi(setIDs[j])
		if err1 != nil || err2 != nil {
			return setIDs[i] < setIDs[j]
		}
		return li < lj
	})
	return setIDs
}

// --- Node control ---

func callNodeRPC(nodeID int, method string, req interface{}, resp interface{}) error {
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

func allNodeIDs() []int {
	ids := make([]int, 0, config.TotalNodes())
	for id := 1; id <= config.TotalNodes(); id++ {
		ids = append(ids, id)
	}
	return ids
}

func applyInitialLiveness(liveNodes []int) {
	liveSet := make(map[int]bool, len(liveNodes))
	for _, id := range liveNodes {
		liveSet[id] = true
	}
	for _, id := range allNodeIDs() {
		setNodeStatus(id, liveSet[id])
	}
}

func setNodeStatus(nodeID int, live bool) {
	var ack bool
	if err := callNodeRPC(nodeID, "Node.FailNode", live, &ack); err != nil {
		fmt.Printf("Failed to set n%d live=%t: %v\n", nodeID, live, err)
	}
}

func flushSystem() {
	for _, id := range allNodeIDs() {
		var ack bool
		if err := callNodeRPC(id, "Node.FlushState", true, &ack); err != nil {
			fmt.Printf("Failed to flush n%d: %v\n", id, err)
		}
	}
}

func setBenchmarkMode(enabled bool) {
	for _, id := range allNodeIDs() {
		var ack bool
		if err := callNodeRPC(id, "Node.SetBenchmarkMode", enabled, &ack); err != nil {
			fmt.Printf("Failed to set benchmark mode on n%d: %v\n", id, err)
		}
	}
}
