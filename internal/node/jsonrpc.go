package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/coldbell/p2pswap/internal/ledger"
	"github.com/coldbell/p2pswap/internal/svm"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeSendTransactionPreflightFailure = -32002
	codeSignatureVerificationFailure    = -32003

	maxSignatureStatuses = 256
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type rpcConfig struct {
	Encoding   string          `json:"encoding"`
	Commitment string          `json:"commitment"`
	Filters    []rpc.RPCFilter `json:"filters"`
}

type rpcHandler func(params []json.RawMessage) (any, *jsonrpc.RPCError)

func (s *Server) rpcMethods() map[string]rpcHandler {
	return map[string]rpcHandler{
		"getHealth":                         s.rpcGetHealth,
		"getSlot":                           s.rpcGetSlot,
		"getBlockHeight":                    s.rpcGetSlot,
		"getLatestBlockhash":                s.rpcGetLatestBlockhash,
		"getAccountInfo":                    s.rpcGetAccountInfo,
		"getBalance":                        s.rpcGetBalance,
		"getProgramAccounts":                s.rpcGetProgramAccounts,
		"getTokenAccountBalance":            s.rpcGetTokenAccountBalance,
		"getMinimumBalanceForRentExemption": s.rpcGetMinimumBalanceForRentExemption,
		"sendTransaction":                   s.rpcSendTransaction,
		"getSignatureStatuses":              s.rpcGetSignatureStatuses,
		"requestAirdrop":                    s.rpcRequestAirdrop,
	}
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.respondRPC(w, nil, nil, &jsonrpc.RPCError{Code: codeParseError, Message: "Parse error"})
		return
	}
	if req.Method == "" {
		s.respondRPC(w, req.ID, nil, &jsonrpc.RPCError{Code: codeInvalidRequest, Message: "Invalid request"})
		return
	}
	handler, ok := s.rpcMethods()[req.Method]
	if !ok {
		s.respondRPC(w, req.ID, nil, &jsonrpc.RPCError{Code: codeMethodNotFound, Message: "Method not found"})
		return
	}

	var params []json.RawMessage
	if trimmed := bytes.TrimSpace(req.Params); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &params); err != nil {
			s.respondRPC(w, req.ID, nil, invalidParams("params must be an array"))
			return
		}
	}

	result, rpcErr := handler(params)
	if rpcErr != nil {
		s.logger.Debug("rpc call failed", "method", req.Method, "code", rpcErr.Code, "message", rpcErr.Message)
	}
	s.respondRPC(w, req.ID, result, rpcErr)
}

func (s *Server) respondRPC(w http.ResponseWriter, id any, result any, rpcErr *jsonrpc.RPCError) {
	resp := jsonrpc.RPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			s.logger.Error("failed to encode rpc result", "err", err)
			resp.Error = &jsonrpc.RPCError{Code: codeInternalError, Message: "Internal error"}
		} else {
			resp.Result = raw
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func invalidParams(format string, args ...any) *jsonrpc.RPCError {
	return &jsonrpc.RPCError{Code: codeInvalidParams, Message: "Invalid params: " + fmt.Sprintf(format, args...)}
}

func internalError(err error) *jsonrpc.RPCError {
	return &jsonrpc.RPCError{Code: codeInternalError, Message: err.Error()}
}

// param decodes params[i] into dst. Missing optional params leave dst as is.
func param(params []json.RawMessage, i int, dst any, required bool) *jsonrpc.RPCError {
	if i >= len(params) || bytes.Equal(bytes.TrimSpace(params[i]), []byte("null")) {
		if required {
			return invalidParams("missing parameter %d", i)
		}
		return nil
	}
	if err := json.Unmarshal(params[i], dst); err != nil {
		return invalidParams("parameter %d: %v", i, err)
	}
	return nil
}

func pubkeyParam(params []json.RawMessage, i int) (solana.PublicKey, *jsonrpc.RPCError) {
	var raw string
	if rpcErr := param(params, i, &raw, true); rpcErr != nil {
		return solana.PublicKey{}, rpcErr
	}
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, invalidParams("invalid pubkey %q", raw)
	}
	return key, nil
}

func configParam(params []json.RawMessage, i int) (rpcConfig, *jsonrpc.RPCError) {
	var cfg rpcConfig
	if rpcErr := param(params, i, &cfg, false); rpcErr != nil {
		return cfg, rpcErr
	}
	switch solana.EncodingType(cfg.Encoding) {
	case "", solana.EncodingBase64:
		return cfg, nil
	default:
		return cfg, invalidParams("unsupported encoding %q", cfg.Encoding)
	}
}

func (s *Server) rpcContext() rpc.RPCContext {
	return rpc.RPCContext{Context: rpc.Context{Slot: s.ledger.Slot()}}
}

func (s *Server) rpcGetHealth([]json.RawMessage) (any, *jsonrpc.RPCError) {
	return "ok", nil
}

func (s *Server) rpcGetSlot([]json.RawMessage) (any, *jsonrpc.RPCError) {
	return s.ledger.Slot(), nil
}

func (s *Server) rpcGetLatestBlockhash([]json.RawMessage) (any, *jsonrpc.RPCError) {
	hash, lastValid := s.ledger.LatestBlockhash()
	return rpc.GetLatestBlockhashResult{
		RPCContext: s.rpcContext(),
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            hash,
			LastValidBlockHeight: lastValid,
		},
	}, nil
}

func rpcAccount(acct *svm.Account) *rpc.Account {
	return &rpc.Account{
		Lamports:   acct.Lamports,
		Owner:      acct.Owner,
		Data:       rpc.DataBytesOrJSONFromBytes(acct.Data),
		Executable: acct.Executable,
		Space:      uint64(len(acct.Data)),
	}
}

func (s *Server) rpcGetAccountInfo(params []json.RawMessage) (any, *jsonrpc.RPCError) {
	key, rpcErr := pubkeyParam(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if _, rpcErr := configParam(params, 1); rpcErr != nil {
		return nil, rpcErr
	}
	out := rpc.GetAccountInfoResult{RPCContext: s.rpcContext()}
	acct, err := s.ledger.GetAccount(key)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return out, nil
	case err != nil:
		return nil, internalError(err)
	}
	out.Value = rpcAccount(acct)
	return out, nil
}

func (s *Server) rpcGetBalance(params []json.RawMessage) (any, *jsonrpc.RPCError) {
	key, rpcErr := pubkeyParam(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	balance, err := s.ledger.Balance(key)
	if err != nil {
		return nil, internalError(err)
	}
	return rpc.GetBalanceResult{RPCContext: s.rpcContext(), Value: balance}, nil
}

func (s *Server) rpcGetProgramAccounts(params []json.RawMessage) (any, *jsonrpc.RPCError) {
	program, rpcErr := pubkeyParam(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	cfg, rpcErr := configParam(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	accounts, err := s.ledger.ProgramAccounts(program)
	if err != nil {
		return nil, internalError(err)
	}
	out := make([]*rpc.KeyedAccount, 0, len(accounts))
	for _, keyed := range accounts {
		if !matchFilters(keyed.Account.Data, cfg.Filters) {
			continue
		}
		out = append(out, &rpc.KeyedAccount{Pubkey: keyed.Key, Account: rpcAccount(keyed.Account)})
	}
	return out, nil
}

func matchFilters(data []byte, filters []rpc.RPCFilter) bool {
	for _, filter := range filters {
		if filter.DataSize != 0 && uint64(len(data)) != filter.DataSize {
			return false
		}
		if memcmp := filter.Memcmp; memcmp != nil {
			end := memcmp.Offset + uint64(len(memcmp.Bytes))
			if end > uint64(len(data)) || !bytes.Equal(data[memcmp.Offset:end], memcmp.Bytes) {
				return false
			}
		}
	}
	return true
}

func (s *Server) rpcGetTokenAccountBalance(params []json.RawMessage) (any, *jsonrpc.RPCError) {
	key, rpcErr := pubkeyParam(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, decimals, err := s.ledger.TokenAmount(key)
	if err != nil {
		return nil, invalidParams("could not find token account %s: %v", key, err)
	}
	return rpc.GetTokenAccountBalanceResult{
		RPCContext: s.rpcContext(),
		Value:      uiTokenAmount(amount, decimals),
	}, nil
}

func uiTokenAmount(amount uint64, decimals uint8) *rpc.UiTokenAmount {
	uiString := uiAmountString(amount, decimals)
	ui, _ := strconv.ParseFloat(uiString, 64)
	return &rpc.UiTokenAmount{
		Amount:         strconv.FormatUint(amount, 10),
		Decimals:       decimals,
		UiAmount:       &ui,
		UiAmountString: uiString,
	}
}

func uiAmountString(amount uint64, decimals uint8) string {
	raw := strconv.FormatUint(amount, 10)
	if decimals == 0 {
		return raw
	}
	d := int(decimals)
	if len(raw) <= d {
		raw = strings.Repeat("0", d-len(raw)+1) + raw
	}
	whole, frac := raw[:len(raw)-d], strings.TrimRight(raw[len(raw)-d:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func (s *Server) rpcGetMinimumBalanceForRentExemption(params []json.RawMessage) (any, *jsonrpc.RPCError) {
	var size uint64
	if rpcErr := param(params, 0, &size, true); rpcErr != nil {
		return nil, rpcErr
	}
	if size > svm.MaxAccountDataSize {
		return nil, invalidParams("data length %d exceeds maximum %d", size, svm.MaxAccountDataSize)
	}
	return s.ledger.Rent().MinimumBalance(int(size)), nil
}

// rpcSendTransaction lands every transaction that passes sanitization. An
// execution failure still charges the fee and is reported through
// getSignatureStatuses, as with skipPreflight on a real cluster.
func (s *Server) rpcSendTransaction(params []json.RawMessage) (any, *jsonrpc.RPCError) {
	var encoded string
	if rpcErr := param(params, 0, &encoded, true); rpcErr != nil {
		return nil, rpcErr
	}
	var cfg rpcConfig
	if rpcErr := param(params, 1, &cfg, false); rpcErr != nil {
		return nil, rpcErr
	}

	var (
		tx  *solana.Transaction
		err error
	)
	switch solana.EncodingType(cfg.Encoding) {
	case "", solana.EncodingBase58:
		tx, err = solana.TransactionFromBase58(encoded)
	case solana.EncodingBase64:
		tx, err = solana.TransactionFromBase64(encoded)
	default:
		return nil, invalidParams("unsupported encoding %q", cfg.Encoding)
	}
	if err != nil {
		return nil, invalidParams("failed to deserialize transaction: %v", err)
	}

	// Execution is not tied to the client connection.
	receipt, err := s.ledger.ProcessTransaction(context.Background(), tx)
	if receipt == nil {
		code := codeSendTransactionPreflightFailure
		if errors.Is(err, ledger.ErrSignatureFailure) {
			code = codeSignatureVerificationFailure
		}
		return nil, &jsonrpc.RPCError{Code: code, Message: "Transaction rejected: " + err.Error()}
	}
	return receipt.Signature, nil
}

func (s *Server) rpcGetSignatureStatuses(params []json.RawMessage) (any, *jsonrpc.RPCError) {
	var sigs []solana.Signature
	if rpcErr := param(params, 0, &sigs, true); rpcErr != nil {
		return nil, rpcErr
	}
	if len(sigs) > maxSignatureStatuses {
		return nil, invalidParams("too many signatures: %d > %d", len(sigs), maxSignatureStatuses)
	}
	out := rpc.GetSignatureStatusesResult{
		RPCContext: s.rpcContext(),
		Value:      make([]*rpc.SignatureStatusesResult, len(sigs)),
	}
	for i, sig := range sigs {
		receipt, ok := s.ledger.SignatureStatus(sig)
		if !ok {
			continue
		}
		out.Value[i] = &rpc.SignatureStatusesResult{
			Slot:               receipt.Slot,
			Err:                transactionErrorValue(receipt.Err),
			ConfirmationStatus: rpc.ConfirmationStatusFinalized,
		}
	}
	return out, nil
}

// transactionErrorValue renders a failure the way clusters report it:
// {"InstructionError":[index,{"Custom":code}]} for program errors.
func transactionErrorValue(err error) any {
	if err == nil {
		return nil
	}
	var txErr *ledger.TransactionError
	if !errors.As(err, &txErr) {
		return err.Error()
	}
	var custom svm.CustomError
	if errors.As(txErr.Err, &custom) {
		return map[string]any{"InstructionError": []any{txErr.Index, map[string]uint32{"Custom": custom.Code()}}}
	}
	return map[string]any{"InstructionError": []any{txErr.Index, txErr.Err.Error()}}
}

func (s *Server) rpcRequestAirdrop(params []json.RawMessage) (any, *jsonrpc.RPCError) {
	key, rpcErr := pubkeyParam(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var lamports uint64
	if rpcErr := param(params, 1, &lamports, true); rpcErr != nil {
		return nil, rpcErr
	}
	sig, err := s.airdrop(key, lamports)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	return sig, nil
}
