package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"blockforge-node/core"
	"blockforge-node/logger"
	"blockforge-node/metrics"
)

// Server is the peer-to-peer layer: a JSON-over-TCP message protocol with a
// status handshake. Blocks arriving from peers go through the same chain and
// consensus validation as locally mined ones before they are relayed.
type Server struct {
	port       int
	maxPeers   int
	blockchain *core.Blockchain
	chainID    uint64
	peers      map[string]*Peer
	listener   net.Listener
	running    bool
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	bootNodes  []string
}

type Peer struct {
	conn            net.Conn
	address         string
	inbound         bool
	protocolVersion uint32
	networkID       uint64
	genesisHash     [32]byte
	latestBlockHash [32]byte
	totalDifficulty *big.Int
	encoder         *json.Encoder
	decoder         *json.Decoder
	sendMu          sync.Mutex
}

type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type StatusMessage struct {
	ProtocolVersion uint32   `json:"protocolVersion"`
	NetworkID       uint64   `json:"networkID"`
	TD              *big.Int `json:"td"`
	CurrentBlock    [32]byte `json:"currentBlock"`
	GenesisBlock    [32]byte `json:"genesisBlock"`
}

const protocolVersion = 1

func NewServer(port int, maxPeers int, chainID uint64, blockchain *core.Blockchain, bootNodes []string) *Server {
	return &Server{
		port:       port,
		maxPeers:   maxPeers,
		chainID:    chainID,
		blockchain: blockchain,
		peers:      make(map[string]*Peer),
		bootNodes:  bootNodes,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to start P2P listener: %v", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()
	logger.Infof("P2P server listening on port %d", s.port)

	go s.acceptConnections()

	if len(s.bootNodes) > 0 {
		logger.Infof("Attempting to connect to %d bootnode(s)...", len(s.bootNodes))
		go s.connectToBootnodes()
	}

	<-s.ctx.Done()
	return s.Stop()
}

func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, peer := range s.peers {
		if peer.conn != nil {
			peer.conn.Close()
		}
	}
	s.peers = make(map[string]*Peer)
	s.mu.Unlock()
	metrics.GetMetrics().SetPeerCount(int32(0))

	logger.Info("P2P server stopped")
	return nil
}

func (s *Server) connectToBootnodes() {
	for _, addr := range s.bootNodes {
		if !s.IsRunning() {
			return
		}

		s.mu.RLock()
		_, alreadyConnected := s.peers[addr]
		s.mu.RUnlock()
		if alreadyConnected {
			continue
		}

		logger.Infof("Attempting to connect to bootnode: %s", addr)
		conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err != nil {
			logger.Warningf("Failed to connect to bootnode %s: %v", addr, err)
			continue
		}
		go s.handleConnection(conn, false)
	}
}

func (s *Server) acceptConnections() {
	for {
		if !s.IsRunning() {
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.IsRunning() {
				logger.Warningf("Failed to accept incoming P2P connection: %v", err)
				if strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				continue
			}
			return
		}
		if s.GetPeerCount() >= s.maxPeers {
			logger.Warningf("Rejecting connection from %s: peer limit %d reached", conn.RemoteAddr(), s.maxPeers)
			conn.Close()
			continue
		}
		go s.handleConnection(conn, true)
	}
}

func (s *Server) handleConnection(conn net.Conn, inbound bool) {
	remoteAddrStr := conn.RemoteAddr().String()
	logger.Debugf("Handling new P2P connection with %s (inbound: %t)", remoteAddrStr, inbound)

	peer := &Peer{
		conn:    conn,
		address: remoteAddrStr,
		inbound: inbound,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}

	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.peers, peer.address)
		count := len(s.peers)
		s.mu.Unlock()
		metrics.GetMetrics().SetPeerCount(int32(count))
		logger.Infof("Peer %s disconnected. Total peers: %d", peer.address, count)
	}()

	if err := s.performHandshake(peer); err != nil {
		logger.Warningf("Handshake with %s failed: %v. Closing connection.", remoteAddrStr, err)
		return
	}

	for {
		if !s.IsRunning() {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		default:
			conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			var msg Message
			if err := peer.decoder.Decode(&msg); err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				logger.Warningf("Error decoding message from peer %s: %v. Disconnecting.", peer.address, err)
				return
			}
			conn.SetReadDeadline(time.Time{})
			s.handleMessage(peer, &msg)
		}
	}
}

func (s *Server) performHandshake(peer *Peer) error {
	myStatus, err := s.prepareStatusMessage()
	if err != nil {
		return fmt.Errorf("failed to prepare own status message: %v", err)
	}
	if err := s.sendMessage(peer, "status", myStatus); err != nil {
		return fmt.Errorf("failed to send status message to %s: %v", peer.address, err)
	}

	var statusMsg Message
	peer.conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	if err := peer.decoder.Decode(&statusMsg); err != nil {
		return fmt.Errorf("failed to receive status message from peer %s: %v", peer.address, err)
	}
	peer.conn.SetReadDeadline(time.Time{})

	if statusMsg.Type != "status" {
		return fmt.Errorf("expected status message from %s, got %s", peer.address, statusMsg.Type)
	}

	var peerStatus StatusMessage
	if err := json.Unmarshal(statusMsg.Data, &peerStatus); err != nil {
		return fmt.Errorf("failed to unmarshal peer status from %s: %v", peer.address, err)
	}

	if peerStatus.NetworkID != s.chainID {
		s.sendMessage(peer, "disconnect", "chain ID mismatch")
		return fmt.Errorf("chain ID mismatch with %s: mine %d, peer %d", peer.address, s.chainID, peerStatus.NetworkID)
	}
	if peerStatus.GenesisBlock != myStatus.GenesisBlock {
		s.sendMessage(peer, "disconnect", "genesis block mismatch")
		return fmt.Errorf("genesis block hash mismatch with %s: mine %x, peer %x", peer.address, myStatus.GenesisBlock, peerStatus.GenesisBlock)
	}

	peer.protocolVersion = peerStatus.ProtocolVersion
	peer.networkID = peerStatus.NetworkID
	peer.genesisHash = peerStatus.GenesisBlock
	peer.latestBlockHash = peerStatus.CurrentBlock
	peer.totalDifficulty = new(big.Int).Set(peerStatus.TD)

	s.mu.Lock()
	if _, exists := s.peers[peer.address]; exists {
		s.mu.Unlock()
		return errors.New("peer already connected")
	}
	s.peers[peer.address] = peer
	count := len(s.peers)
	s.mu.Unlock()
	metrics.GetMetrics().SetPeerCount(int32(count))
	logger.Infof("Handshake successful with %s. Peer TD: %s, My TD: %s. Total peers: %d",
		peer.address, peerStatus.TD.String(), myStatus.TD.String(), count)
	return nil
}

func (s *Server) prepareStatusMessage() (*StatusMessage, error) {
	currentBlock := s.blockchain.GetCurrentBlock()
	genesisBlock := s.blockchain.GetBlockByNumber(0)
	if currentBlock == nil || genesisBlock == nil {
		return nil, errors.New("blockchain not fully initialized for status message")
	}

	return &StatusMessage{
		ProtocolVersion: protocolVersion,
		NetworkID:       s.chainID,
		TD:              s.blockchain.GetTotalDifficulty(),
		CurrentBlock:    currentBlock.HeadHash(),
		GenesisBlock:    genesisBlock.HeadHash(),
	}, nil
}

func (s *Server) handleMessage(peer *Peer, msg *Message) {
	logger.Debugf("Received message of type '%s' from peer %s", msg.Type, peer.address)
	switch msg.Type {
	case "status":
		logger.Debugf("Received unexpected status message from %s outside handshake.", peer.address)
	case "block":
		s.handleBlock(peer, msg)
	case "transaction":
		s.handleTransaction(peer, msg)
	case "disconnect":
		logger.Infof("Peer %s requested disconnect", peer.address)
		peer.conn.Close()
	default:
		logger.Warningf("Unknown message type '%s' from peer %s", msg.Type, peer.address)
	}
}

// handleBlock ingests a block announced by a peer. Consensus validation
// happens inside AddBlock; only a block the chain accepted is folded into
// consensus state and relayed onward.
func (s *Server) handleBlock(peer *Peer, msg *Message) {
	block, err := core.BlockFromJSON(msg.Data)
	if err != nil {
		logger.Warningf("Failed to decode block from peer %s: %v", peer.address, err)
		return
	}
	if block.Header == nil {
		logger.Warningf("Peer %s sent block without header", peer.address)
		return
	}

	if err := s.blockchain.AddBlock(block); err != nil {
		logger.Warningf("Rejected block %d from peer %s: %v", block.Header.Index, peer.address, err)
		return
	}
	if err := s.blockchain.GetConsensusEngine().UpdateState(block); err != nil {
		logger.Warningf("Failed to fold peer block %d into consensus state: %v", block.Header.Index, err)
	}
	peer.latestBlockHash = block.HeadHash()
	logger.Infof("Accepted block %d from peer %s", block.Header.Index, peer.address)
	s.broadcastBlock(block, peer.address)
}

func (s *Server) handleTransaction(peer *Peer, msg *Message) {
	var tx core.Transaction
	if err := json.Unmarshal(msg.Data, &tx); err != nil {
		logger.Warningf("Failed to unmarshal transaction from peer %s: %v", peer.address, err)
		return
	}
	if err := s.blockchain.AddTransaction(&tx); err != nil {
		if !errors.Is(err, core.ErrTxAlreadyKnown) {
			logger.Warningf("Failed to add transaction %x from peer %s: %v", tx.Hash, peer.address, err)
		}
		return
	}
	logger.Debugf("Added transaction %x from peer %s to mempool.", tx.Hash, peer.address)
	s.BroadcastTransaction(&tx, peer.address)
}

func (s *Server) sendMessage(peer *Peer, msgType string, data interface{}) error {
	if peer == nil || peer.conn == nil || peer.encoder == nil {
		return errors.New("cannot send message: peer connection is nil")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	peer.sendMu.Lock()
	defer peer.sendMu.Unlock()
	peer.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = peer.encoder.Encode(&Message{Type: msgType, Data: payload})
	peer.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		logger.Warningf("Failed to send message type %s to peer %s: %v", msgType, peer.address, err)
	}
	return err
}

// Announce relays a locally committed block to every peer. Implements the
// miner's broadcaster.
func (s *Server) Announce(block *core.Block) {
	s.broadcastBlock(block, "")
}

func (s *Server) broadcastBlock(block *core.Block, originPeerAddr string) {
	for _, peer := range s.peerSnapshot(originPeerAddr) {
		if err := s.sendMessage(peer, "block", block); err != nil {
			logger.Warningf("Error broadcasting block to peer %s: %v", peer.address, err)
		}
	}
}

func (s *Server) BroadcastTransaction(tx *core.Transaction, originPeerAddr string) {
	for _, peer := range s.peerSnapshot(originPeerAddr) {
		if err := s.sendMessage(peer, "transaction", tx); err != nil {
			logger.Warningf("Error broadcasting transaction to peer %s: %v", peer.address, err)
		}
	}
}

func (s *Server) peerSnapshot(excludeAddr string) []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]*Peer, 0, len(s.peers))
	for addr, peer := range s.peers {
		if addr != excludeAddr {
			peers = append(peers, peer)
		}
	}
	return peers
}

func (s *Server) GetPeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
