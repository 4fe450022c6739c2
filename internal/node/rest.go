package node

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"

	"github.com/coldbell/p2pswap/internal/ledger"
	"github.com/coldbell/p2pswap/internal/svm"
	"github.com/coldbell/p2pswap/internal/swap"
)

type healthResponse struct {
	OK   bool   `json:"ok"`
	Slot uint64 `json:"slot"`
}

type blockhashResponse struct {
	Blockhash            solana.Hash `json:"blockhash"`
	LastValidBlockHeight uint64      `json:"last_valid_block_height"`
	Slot                 uint64      `json:"slot"`
}

type accountResponse struct {
	Address    solana.PublicKey `json:"address"`
	Owner      solana.PublicKey `json:"owner"`
	Lamports   uint64           `json:"lamports"`
	Executable bool             `json:"executable"`
	Data       string           `json:"data"`
	Space      int              `json:"space"`
}

type orderResponse struct {
	Address solana.PublicKey `json:"address"`
	swap.Order
}

type treasuryResponse struct {
	Address solana.PublicKey `json:"address"`
	swap.Treasury
}

type submitTransactionRequest struct {
	Transaction string `json:"transaction"`
}

type transactionResponse struct {
	Signature solana.Signature `json:"signature"`
	Slot      uint64           `json:"slot"`
	Fee       uint64           `json:"fee"`
	Logs      []string         `json:"logs"`
	Status    string           `json:"status"`
	Error     string           `json:"error,omitempty"`
}

type airdropRequest struct {
	Address  string `json:"address"`
	Lamports uint64 `json:"lamports"`
}

type airdropResponse struct {
	Signature solana.Signature `json:"signature"`
	Balance   uint64           `json:"balance"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true, Slot: s.ledger.Slot()})
}

func (s *Server) handleGetBlockhash(w http.ResponseWriter, r *http.Request) {
	hash, lastValid := s.ledger.LatestBlockhash()
	s.respondJSON(w, http.StatusOK, blockhashResponse{
		Blockhash:            hash,
		LastValidBlockHeight: lastValid,
		Slot:                 s.ledger.Slot(),
	})
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req submitTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tx, err := solana.TransactionFromBase64(strings.TrimSpace(req.Transaction))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid transaction: "+err.Error())
		return
	}

	receipt, err := s.ledger.ProcessTransaction(r.Context(), tx)
	if receipt == nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusUnprocessableEntity
	}
	s.respondJSON(w, status, newTransactionResponse(receipt))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	sig, err := solana.SignatureFromBase58(mux.Vars(r)["signature"])
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid signature")
		return
	}
	receipt, ok := s.ledger.SignatureStatus(sig)
	if !ok {
		s.respondError(w, http.StatusNotFound, "transaction not found")
		return
	}
	s.respondJSON(w, http.StatusOK, newTransactionResponse(receipt))
}

func newTransactionResponse(receipt *ledger.Receipt) transactionResponse {
	out := transactionResponse{
		Signature: receipt.Signature,
		Slot:      receipt.Slot,
		Fee:       receipt.Fee,
		Logs:      receipt.Logs,
		Status:    "committed",
	}
	if out.Logs == nil {
		out.Logs = []string{}
	}
	if receipt.Err != nil {
		out.Status = "failed"
		out.Error = receipt.Err.Error()
	}
	return out
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	address, ok := s.pathPubkey(w, r, "address")
	if !ok {
		return
	}
	acct, err := s.ledger.GetAccount(address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		s.respondError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		s.logger.Error("get account failed", "address", address.String(), "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	s.respondJSON(w, http.StatusOK, newAccountResponse(address, acct))
}

func newAccountResponse(address solana.PublicKey, acct *svm.Account) accountResponse {
	return accountResponse{
		Address:    address,
		Owner:      acct.Owner,
		Lamports:   acct.Lamports,
		Executable: acct.Executable,
		Data:       base64.StdEncoding.EncodeToString(acct.Data),
		Space:      len(acct.Data),
	}
}

func (s *Server) handleGetProgramAccounts(w http.ResponseWriter, r *http.Request) {
	program, ok := s.pathPubkey(w, r, "program")
	if !ok {
		return
	}
	dataSize := -1
	if raw := strings.TrimSpace(r.URL.Query().Get("data_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid data_size")
			return
		}
		dataSize = parsed
	}

	accounts, err := s.ledger.ProgramAccounts(program)
	if err != nil {
		s.logger.Error("list program accounts failed", "program", program.String(), "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list program accounts")
		return
	}
	items := make([]accountResponse, 0, len(accounts))
	for _, keyed := range accounts {
		if dataSize >= 0 && len(keyed.Account.Data) != dataSize {
			continue
		}
		items = append(items, newAccountResponse(keyed.Key, keyed.Account))
	}
	s.respondJSON(w, http.StatusOK, items)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var maker, taker *solana.PublicKey
	for name, dst := range map[string]**solana.PublicKey{"maker": &maker, "taker": &taker} {
		raw := strings.TrimSpace(query.Get(name))
		if raw == "" {
			continue
		}
		key, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = &key
	}
	var status *swap.OrderStatus
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		parsed, err := swap.ParseOrderStatus(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = &parsed
	}

	accounts, err := s.ledger.ProgramAccounts(s.programID)
	if err != nil {
		s.logger.Error("list orders failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	items := make([]orderResponse, 0)
	for _, keyed := range accounts {
		if len(keyed.Account.Data) != swap.OrderLen {
			continue
		}
		order, err := swap.DecodeOrder(keyed.Account.Data)
		if err != nil {
			s.logger.Warn("skip undecodable order", "address", keyed.Key.String(), "err", err)
			continue
		}
		if maker != nil && !order.Maker.Equals(*maker) {
			continue
		}
		if taker != nil && !order.Taker.Equals(*taker) {
			continue
		}
		if status != nil && order.Status != *status {
			continue
		}
		items = append(items, orderResponse{Address: keyed.Key, Order: *order})
	}
	s.respondJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	address, ok := s.pathPubkey(w, r, "address")
	if !ok {
		return
	}
	acct, err := s.ledger.GetAccount(address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		s.respondError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.logger.Error("get order failed", "address", address.String(), "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load order")
		return
	}
	if !acct.Owner.Equals(s.programID) || len(acct.Data) != swap.OrderLen {
		s.respondError(w, http.StatusNotFound, "order not found")
		return
	}
	order, err := swap.DecodeOrder(acct.Data)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, orderResponse{Address: address, Order: *order})
}

func (s *Server) handleGetTreasury(w http.ResponseWriter, r *http.Request) {
	address := swap.MustDeriveTreasuryPDA(s.programID)
	acct, err := s.ledger.GetAccount(address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		s.respondError(w, http.StatusNotFound, "treasury not initialized")
		return
	}
	if err != nil {
		s.logger.Error("get treasury failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load treasury")
		return
	}
	if !acct.Owner.Equals(s.programID) {
		s.respondError(w, http.StatusNotFound, "treasury not initialized")
		return
	}
	treasury, err := swap.DecodeTreasury(acct.Data)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, treasuryResponse{Address: address, Treasury: *treasury})
}

func (s *Server) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	var req airdropRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	address, err := solana.PublicKeyFromBase58(strings.TrimSpace(req.Address))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid address")
		return
	}
	sig, err := s.airdrop(address, req.Lamports)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := s.ledger.Balance(address)
	if err != nil {
		s.logger.Error("read balance failed", "address", address.String(), "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}
	s.respondJSON(w, http.StatusOK, airdropResponse{Signature: sig, Balance: balance})
}

var errAirdropAmount = errors.New("airdrop amount out of range")

func (s *Server) airdrop(address solana.PublicKey, lamports uint64) (solana.Signature, error) {
	if lamports == 0 || (s.cfg.MaxAirdropLamports > 0 && lamports > s.cfg.MaxAirdropLamports) {
		return solana.Signature{}, errAirdropAmount
	}
	sig, err := s.ledger.Airdrop(address, lamports)
	if err != nil {
		return solana.Signature{}, err
	}
	s.logger.Info("airdrop", "address", address.String(), "lamports", lamports)
	return sig, nil
}

func (s *Server) pathPubkey(w http.ResponseWriter, r *http.Request, name string) (solana.PublicKey, bool) {
	key, err := solana.PublicKeyFromBase58(mux.Vars(r)[name])
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid "+name)
		return solana.PublicKey{}, false
	}
	return key, true
}
