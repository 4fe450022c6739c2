package ledger

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/p2pswap/internal/svm"
)

// keys: a:<32-byte address> -> account, o:<32-byte owner><32-byte address> -> empty
func kAccount(key solana.PublicKey) []byte { return append([]byte("a:"), key[:]...) }
func kOwnerPrefix(owner solana.PublicKey) []byte {
	return append([]byte("o:"), owner[:]...)
}
func kOwner(owner, key solana.PublicKey) []byte { return append(kOwnerPrefix(owner), key[:]...) }

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Get(key solana.PublicKey) (*svm.Account, error) {
	val, closer, err := s.db.Get(kAccount(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", key, err)
	}
	defer closer.Close()

	acct, err := decodeAccount(val)
	if err != nil {
		return nil, fmt.Errorf("failed to decode account %s: %w", key, err)
	}
	return acct, nil
}

func (s *PebbleStore) Commit(changes map[solana.PublicKey]*svm.Account) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for key, acct := range changes {
		prev, err := s.Get(key)
		if err != nil && !errors.Is(err, ErrAccountNotFound) {
			return err
		}
		if prev != nil && (acct == nil || !prev.Owner.Equals(acct.Owner)) {
			if err := batch.Delete(kOwner(prev.Owner, key), nil); err != nil {
				return fmt.Errorf("failed to unindex account %s: %w", key, err)
			}
		}
		if acct == nil {
			if err := batch.Delete(kAccount(key), nil); err != nil {
				return fmt.Errorf("failed to delete account %s: %w", key, err)
			}
			continue
		}

		val, err := encodeAccount(acct)
		if err != nil {
			return fmt.Errorf("failed to encode account %s: %w", key, err)
		}
		if err := batch.Set(kAccount(key), val, nil); err != nil {
			return fmt.Errorf("failed to save account %s: %w", key, err)
		}
		if err := batch.Set(kOwner(acct.Owner, key), nil, nil); err != nil {
			return fmt.Errorf("failed to index account %s: %w", key, err)
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) ProgramAccounts(owner solana.PublicKey) ([]KeyedAccount, error) {
	prefix := kOwnerPrefix(owner)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open owner index: %w", err)
	}
	defer iter.Close()

	var out []KeyedAccount
	for iter.First(); iter.Valid(); iter.Next() {
		key := solana.PublicKeyFromBytes(iter.Key()[len(prefix):])
		acct, err := s.Get(key)
		if errors.Is(err, ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, KeyedAccount{Key: key, Account: acct})
	}
	return out, iter.Error()
}

func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

var _ AccountStore = (*PebbleStore)(nil)
var _ AccountStore = (*MemStore)(nil)
