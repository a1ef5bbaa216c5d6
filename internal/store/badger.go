package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/dgraph-io/badger/v4"
)

var (
	checkpointPrefix = []byte("checkpoint/")
	sessionKey       = []byte("session")
)

// BadgerStore keeps checkpoints and the chat session in a local badger directory.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions(dir))
}

// NewInMemoryBadgerStore is a BadgerStore without files.
func NewInMemoryBadgerStore() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) SaveCheckpoint(_ context.Context, cp domain.Checkpoint) error {
	if cp.AccountID == "" {
		return errors.New("checkpoint without account id")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	key := append(append([]byte{}, checkpointPrefix...), cp.AccountID...)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

// LoadCheckpoints returns every stored checkpoint in key order.
func (s *BadgerStore) LoadCheckpoints(_ context.Context) ([]domain.Checkpoint, error) {
	var res []domain.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = checkpointPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(checkpointPrefix); it.ValidForPrefix(checkpointPrefix); it.Next() {
			item := it.Item()
			var cp domain.Checkpoint
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			res = append(res, cp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan checkpoints: %w", err)
	}
	return res, nil
}

func (s *BadgerStore) SaveSession(_ context.Context, sess domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey, data)
	}); err != nil {
		return fmt.Errorf("badger set %s: %w", sessionKey, err)
	}
	return nil
}

func (s *BadgerStore) LoadSession(_ context.Context) (*domain.Session, error) {
	var sess domain.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", sessionKey, err)
	}
	return &sess, nil
}
