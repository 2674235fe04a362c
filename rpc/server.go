package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"blockforge-node/core"
	"blockforge-node/logger"
	"blockforge-node/metrics"
)

type Config struct {
	Host string
	Port int
}

// PeerCounter is the network surface the RPC layer reports on.
type PeerCounter interface {
	GetPeerCount() int
}

type Server struct {
	config       *Config
	blockchain   *core.Blockchain
	network      PeerCounter
	server       *http.Server
	chainID      uint64
	miningAPI    *MiningAPI
	consensusAPI *ConsensusAPI
}

type JSONRPCRequest struct {
	ID      interface{}   `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	Version string        `json:"jsonrpc"`
}

type JSONRPCResponse struct {
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	Version string        `json:"jsonrpc"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewServer(config *Config, chainID uint64, blockchain *core.Blockchain, miner *core.Miner, network PeerCounter) *Server {
	return &Server{
		config:       config,
		blockchain:   blockchain,
		network:      network,
		chainID:      chainID,
		miningAPI:    NewMiningAPI(blockchain, miner),
		consensusAPI: NewConsensusAPI(blockchain),
	}
}

func (s *Server) Start() error {
	router := mux.NewRouter()

	router.HandleFunc("/", s.handleRPC).Methods("POST", "OPTIONS")

	api := router.PathPrefix("/api").Subrouter()

	mining := api.PathPrefix("/mining").Subrouter()
	mining.HandleFunc("/start", s.miningAPI.StartHandler).Methods("POST", "OPTIONS")
	mining.HandleFunc("/stop", s.miningAPI.StopHandler).Methods("POST", "OPTIONS")
	mining.HandleFunc("/stats", s.miningAPI.StatsHandler).Methods("GET", "OPTIONS")

	consensus := api.PathPrefix("/consensus").Subrouter()
	consensus.HandleFunc("/info", s.consensusAPI.InfoHandler).Methods("GET", "OPTIONS")
	consensus.HandleFunc("/difficulty", s.consensusAPI.DifficultyHandler).Methods("GET", "OPTIONS")
	consensus.HandleFunc("/set-difficulty", s.consensusAPI.SetDifficultyHandler).Methods("POST", "OPTIONS")
	consensus.HandleFunc("/adjust", s.consensusAPI.AdjustHandler).Methods("POST", "OPTIONS")
	consensus.HandleFunc("/switch", s.consensusAPI.SwitchHandler).Methods("POST", "OPTIONS")

	network := api.PathPrefix("/network").Subrouter()
	network.HandleFunc("/stats", s.networkStatsHandler).Methods("GET", "OPTIONS")

	api.HandleFunc("/metrics", s.metricsHandler).Methods("GET", "OPTIONS")

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("RPC server error: %v", err)
		}
	}()

	logger.Infof("JSON-RPC server with REST API started on %s", addr)
	return nil
}

func (s *Server) Stop() {
	if s.server != nil {
		s.server.Close()
		logger.Info("JSON-RPC server stopped")
	}
}

func (s *Server) networkStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w, "GET")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	peerCount := 0
	if s.network != nil {
		peerCount = s.network.GetPeerCount()
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"peerCount":       peerCount,
		"currentHeight":   s.blockchain.CurrentHeight(),
		"totalDifficulty": s.blockchain.GetTotalDifficulty().String(),
	})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w, "GET")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	json.NewEncoder(w).Encode(metrics.GetMetrics().ToMap())
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	writeCORSHeaders(w, "POST")
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, -32700, "Parse error")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		s.sendError(w, req.ID, -32603, err.Error())
		return
	}

	response := JSONRPCResponse{
		ID:      req.ID,
		Result:  result,
		Version: "2.0",
	}
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleMethod(method string, params []interface{}) (interface{}, error) {
	switch method {
	case "chain_blockNumber":
		return hexutil.EncodeUint64(s.blockchain.CurrentHeight()), nil
	case "chain_getBlockByNumber":
		return s.chainGetBlockByNumber(params)
	case "chain_getBlockByHash":
		return s.chainGetBlockByHash(params)
	case "chain_getTransactionByHash":
		return s.chainGetTransactionByHash(params)
	case "chain_getTransactionCount":
		return s.chainGetTransactionCount(params)
	case "chain_sendTransaction":
		return s.chainSendTransaction(params)
	case "chain_totalDifficulty":
		return hexutil.EncodeBig(s.blockchain.GetTotalDifficulty()), nil
	case "chain_id":
		return hexutil.EncodeUint64(s.chainID), nil
	case "net_version":
		return strconv.FormatUint(s.chainID, 10), nil
	case "web3_clientVersion":
		return "blockforge-node/1.0.0", nil
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

func (s *Server) chainGetBlockByNumber(params []interface{}) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("missing block number parameter")
	}
	blockNumStr, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("block number parameter must be a string")
	}
	var blockNum uint64
	var err error
	if blockNumStr == "latest" {
		blockNum = s.blockchain.CurrentHeight()
	} else {
		blockNum, err = strconv.ParseUint(strings.TrimPrefix(blockNumStr, "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid block number: %v", err)
		}
	}
	block := s.blockchain.GetBlockByNumber(blockNum)
	if block == nil {
		return nil, nil
	}
	return s.formatBlock(block, fullTxParam(params)), nil
}

func (s *Server) chainGetBlockByHash(params []interface{}) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("missing block hash parameter")
	}
	hashStr, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("block hash parameter must be a string")
	}
	hash, err := parseHash32(hashStr)
	if err != nil {
		return nil, err
	}
	block := s.blockchain.GetBlockByHash(hash)
	if block == nil {
		return nil, nil
	}
	return s.formatBlock(block, fullTxParam(params)), nil
}

func (s *Server) chainGetTransactionByHash(params []interface{}) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("missing transaction hash parameter")
	}
	hashStr, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("transaction hash parameter must be a string")
	}
	hash, err := parseHash32(hashStr)
	if err != nil {
		return nil, err
	}
	if tx := s.blockchain.GetMempool().GetTransaction(hash); tx != nil {
		return s.formatTransaction(tx), nil
	}
	return nil, nil
}

func (s *Server) chainGetTransactionCount(params []interface{}) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("missing address parameter")
	}
	addrStr, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("address parameter must be a string")
	}
	addr, err := parseAddress20(addrStr)
	if err != nil {
		return nil, err
	}
	return hexutil.EncodeUint64(s.blockchain.NextNonceFor(addr)), nil
}

func (s *Server) chainSendTransaction(params []interface{}) (interface{}, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("missing transaction parameter")
	}
	raw, err := json.Marshal(params[0])
	if err != nil {
		return nil, fmt.Errorf("invalid transaction parameter: %v", err)
	}
	var req struct {
		Nonce *hexutil.Uint64 `json:"nonce"`
		From  string          `json:"from"`
		To    *string         `json:"to"`
		Value string          `json:"value"`
		Data  hexutil.Bytes   `json:"data"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid transaction parameter: %v", err)
	}

	from, err := parseAddress20(req.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address: %v", err)
	}
	// An omitted nonce is filled in from the chain and the pool so callers
	// without local nonce tracking can still submit in order.
	nonce := s.blockchain.NextNonceFor(from)
	if req.Nonce != nil {
		nonce = uint64(*req.Nonce)
	}
	var to *[20]byte
	if req.To != nil {
		addr, err := parseAddress20(*req.To)
		if err != nil {
			return nil, fmt.Errorf("invalid to address: %v", err)
		}
		to = &addr
	}
	value := big.NewInt(0)
	if req.Value != "" {
		value, err = hexutil.DecodeBig(req.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %v", err)
		}
	}

	tx := core.NewTransaction(nonce, from, to, value, req.Data)
	if err := s.blockchain.AddTransaction(tx); err != nil {
		return nil, err
	}
	return hexutil.Encode(tx.Hash[:]), nil
}

func (s *Server) formatBlock(block *core.Block, fullTx bool) map[string]interface{} {
	header := block.Header
	result := map[string]interface{}{
		"index":        hexutil.EncodeUint64(header.Index),
		"hash":         hexutil.Encode(block.Hash),
		"previousHash": hexutil.Encode(header.PreviousHash[:]),
		"timestamp":    hexutil.EncodeUint64(uint64(header.Timestamp)),
		"difficulty":   hexutil.EncodeUint64(header.Difficulty),
		"nonce":        hexutil.EncodeUint64(header.Nonce),
	}

	if fullTx {
		transactions := make([]interface{}, 0, len(block.Transactions))
		for _, tx := range block.Transactions {
			transactions = append(transactions, s.formatTransaction(tx))
		}
		result["transactions"] = transactions
	} else {
		txHashes := make([]string, 0, len(block.Transactions))
		for _, tx := range block.Transactions {
			txHashes = append(txHashes, hexutil.Encode(tx.Hash[:]))
		}
		result["transactions"] = txHashes
	}
	return result
}

func (s *Server) formatTransaction(tx *core.Transaction) map[string]interface{} {
	result := map[string]interface{}{
		"hash":  hexutil.Encode(tx.Hash[:]),
		"nonce": hexutil.EncodeUint64(tx.Nonce),
		"from":  hexutil.Encode(tx.From[:]),
		"value": hexutil.EncodeBig(tx.GetValue()),
		"input": hexutil.Encode(tx.Data),
	}
	if to := tx.GetTo(); to != nil {
		result["to"] = hexutil.Encode(to[:])
	} else {
		result["to"] = nil
	}
	return result
}

func (s *Server) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	response := JSONRPCResponse{
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
		Version: "2.0",
	}
	json.NewEncoder(w).Encode(response)
}

func fullTxParam(params []interface{}) bool {
	if len(params) > 1 {
		if val, ok := params[1].(bool); ok {
			return val
		}
	}
	return false
}

func parseHash32(s string) ([32]byte, error) {
	var hash [32]byte
	hashBytes, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(hashBytes) != 32 {
		return hash, fmt.Errorf("invalid hash format")
	}
	copy(hash[:], hashBytes)
	return hash, nil
}

func parseAddress20(s string) ([20]byte, error) {
	var addr [20]byte
	addrBytes, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(addrBytes) != 20 {
		return addr, fmt.Errorf("invalid address format")
	}
	copy(addr[:], addrBytes)
	return addr, nil
}

func writeCORSHeaders(w http.ResponseWriter, methods string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods+", OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}
