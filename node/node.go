package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"shardledger/config"
	"shardledger/node/consensus"
	nodelogger "shardledger/node/logger"
	"shardledger/node/store"
)

func openStores(id int) (*store.Store, *store.LogStore, error) {
	dataDir := config.DataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, err
	}
	st, err := store.Open(filepath.Join(dataDir, fmt.Sprintf("node_n%d.db", id)))
	if err != nil {
		return nil, nil, err
	}
	keyStart, keyEnd := config.ShardKeyRange(config.ShardOfNode(id))
	if err := st.Seed(keyStart, keyEnd, config.SeedBalance()); err != nil {
		st.Close()
		return nil, nil, err
	}
	ls, err := store.OpenLogStore(filepath.Join(dataDir, fmt.Sprintf("node_n%d.log.db", id)))
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, ls, nil
}

func main() {
	nodeID := flag.Int("id", 0, "Node ID to start")
	flag.Parse()

	id := *nodeID
	if id < 1 || id > config.TotalNodes() {
		log.Fatalf("node id %d out of range [1,%d]", id, config.TotalNodes())
	}

	st, ls, err := openStores(id)
	if err != nil {
		log.Fatalf("Failed to open stores for n%d: %v", id, err)
	}
	shardMap, err := config.NewShardMap(filepath.Join(config.DataDir(), fmt.Sprintf("shardmap_n%d.json", id)))
	if err != nil {
		log.Fatalf("Failed to load shard map for n%d: %v", id, err)
	}

	shardID := config.ShardOfNode(id)
	fmt.Printf("Node n%d starting on port %d in shard S%d\n", id, config.NodePort(id), shardID)
	svc := consensus.NewNodeService(id, st, ls, shardMap)
	if err := svc.StartRPCServer(); err != nil {
		log.Fatalf("Failed to start RPC server for n%d: %v", id, err)
	}
	if err := svc.StartInspectServer(); err != nil {
		log.Fatalf("Failed to start inspect server for n%d: %v", id, err)
	}
	logger := nodelogger.GetLogger(id)
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("1: Print Log")
		fmt.Println("2: Print DB")
		fmt.Println("3: Print Slot Status")
		fmt.Println("4: Print View")
		fmt.Println("5: Print Balance")
		fmt.Println("6: Clear Terminal")
		fmt.Println("7: Exit")
		choice, err := readIntInput(reader, "\nSelect an option: ")
		if err != nil {
			handleInputClosure(err, svc, logger)
			return
		}

		switch choice {
		case 1:
			svc.PrintLog()
		case 2:
			svc.PrintDB()
		case 3:
			slot, err := readIntInput(reader, "Enter slot number: ")
			if err != nil {
				handleInputClosure(err, svc, logger)
				return
			}
			svc.PrintStatus(slot)
		case 4:
			svc.PrintView()
		case 5:
			key, err := readIntInput(reader, "Enter account key: ")
			if err != nil {
				handleInputClosure(err, svc, logger)
				return
			}
			svc.PrintBalance(key)
		case 6:
			fmt.Print("\033[H\033[2J")
		case 7:
			svc.Close()
			logger.Close()
			return
		default:
			fmt.Println("Invalid choice")
		}
	}
}

func readIntInput(reader *bufio.Reader, prompt string) (int, error) {
	for {
		fmt.Print(prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			fmt.Printf("Input error: %v\n", err)
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		value, err := strconv.Atoi(line)
		if err != nil {
			fmt.Printf("Invalid number: %s\n", line)
			continue
		}
		return value, nil
	}
}

func handleInputClosure(err error, svc *consensus.NodeService, logger *nodelogger.Logger) {
	if errors.Is(err, io.EOF) {
		fmt.Println("\nInput closed. Shutting down node console.")
	} else if err != nil {
		fmt.Printf("\nStopping console due to input error: %v\n", err)
	}
	svc.Close()
	logger.Close()
}
