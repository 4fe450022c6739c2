package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/p2pswap/internal/svm"
)

// AccountStore persists account state between transactions. Commit applies a
// whole change set or nothing; a nil account in the set deletes the key.
type AccountStore interface {
	Get(key solana.PublicKey) (*svm.Account, error)
	Commit(changes map[solana.PublicKey]*svm.Account) error
	ProgramAccounts(owner solana.PublicKey) ([]KeyedAccount, error)
	Close() error
}

type KeyedAccount struct {
	Key     solana.PublicKey `json:"pubkey"`
	Account *svm.Account     `json:"account"`
}

var ErrAccountNotFound = errors.New("account not found")

type MemStore struct {
	mu       sync.RWMutex
	accounts map[solana.PublicKey]*svm.Account
}

func NewMemStore() *MemStore {
	return &MemStore{accounts: make(map[solana.PublicKey]*svm.Account)}
}

func (s *MemStore) Get(key solana.PublicKey) (*svm.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[key]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct.Clone(), nil
}

func (s *MemStore) Commit(changes map[solana.PublicKey]*svm.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, acct := range changes {
		if acct == nil {
			delete(s.accounts, key)
			continue
		}
		s.accounts[key] = acct.Clone()
	}
	return nil
}

func (s *MemStore) ProgramAccounts(owner solana.PublicKey) ([]KeyedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []KeyedAccount
	for key, acct := range s.accounts {
		if acct.Owner.Equals(owner) {
			out = append(out, KeyedAccount{Key: key, Account: acct.Clone()})
		}
	}
	sortKeyed(out)
	return out, nil
}

func (s *MemStore) Close() error { return nil }

func sortKeyed(accounts []KeyedAccount) {
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i].Key[:], accounts[j].Key[:]) < 0
	})
}

// encodeAccount is the on-disk form: owner, lamports, executable, data.
func encodeAccount(acct *svm.Account) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteBytes(acct.Owner[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(acct.Lamports, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBool(acct.Executable); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(uint32(len(acct.Data)), bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(acct.Data, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeAccount(raw []byte) (*svm.Account, error) {
	dec := bin.NewBorshDecoder(raw)
	owner, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, fmt.Errorf("read owner: %w", err)
	}
	lamports, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("read lamports: %w", err)
	}
	executable, err := dec.ReadBool()
	if err != nil {
		return nil, fmt.Errorf("read executable: %w", err)
	}
	size, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("read data length: %w", err)
	}
	data, err := dec.ReadNBytes(int(size))
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	return &svm.Account{
		Owner:      solana.PublicKeyFromBytes(owner),
		Lamports:   lamports,
		Executable: executable,
		Data:       bytes.Clone(data),
	}, nil
}
