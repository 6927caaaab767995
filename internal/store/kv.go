package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/fyrsmithlabs/protocold/internal/protocol"
)

// DefaultBucket is the JetStream KV bucket used when none is configured.
const DefaultBucket = "protocol_states"

// KVStore keeps instances in a NATS JetStream KeyValue bucket under the key
// "<kind>/<session>". The first write uses Create and later writes use a
// revision-checked Update, so concurrent writers from other processes are
// detected as ErrConflict.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore wraps an existing bucket.
func NewKVStore(kv jetstream.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

// OpenKV creates or updates bucket on js and returns a store over it.
func OpenKV(ctx context.Context, js jetstream.JetStream, bucket string) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "protocold instance state",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("opening kv bucket %s: %w", bucket, err)
	}
	return &KVStore{kv: kv}, nil
}

func kvKey(key protocol.Key) string {
	return key.Kind + "/" + key.SessionID
}

func (s *KVStore) Load(ctx context.Context, key protocol.Key) (*protocol.State, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
		}
		return nil, &protocol.StateLoadError{Key: key, Err: err}
	}
	return Decode(key, entry.Value())
}

func (s *KVStore) Save(ctx context.Context, st *protocol.State) error {
	next, data, err := prepare(st)
	if err != nil {
		return err
	}
	key := st.Key()

	if st.Version == 0 {
		if _, err := s.kv.Create(ctx, kvKey(key), data); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("saving state %s at version 0: %w", key, ErrConflict)
			}
			return fmt.Errorf("saving state %s: %w", key, err)
		}
		st.Version = next.Version
		return nil
	}

	entry, err := s.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return conflict(key, 0, st.Version)
		}
		return fmt.Errorf("saving state %s: %w", key, err)
	}
	cur, err := Decode(key, entry.Value())
	if err != nil {
		return err
	}
	if cur.Version != st.Version {
		return conflict(key, cur.Version, st.Version)
	}
	if _, err := s.kv.Update(ctx, kvKey(key), data, entry.Revision()); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("saving state %s at version %d: %w", key, st.Version, ErrConflict)
		}
		return fmt.Errorf("saving state %s: %w", key, err)
	}
	st.Version = next.Version
	return nil
}

func (s *KVStore) Exists(ctx context.Context, key protocol.Key) (bool, error) {
	_, err := s.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return true, nil
}

func (s *KVStore) Delete(ctx context.Context, key protocol.Key) error {
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
	}
	if err := s.kv.Delete(ctx, kvKey(key)); err != nil {
		return fmt.Errorf("deleting state %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) List(ctx context.Context, kind string) ([]protocol.Key, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing states: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []protocol.Key
	for name := range lister.Keys() {
		k, s, ok := strings.Cut(name, "/")
		if !ok || (kind != "" && k != kind) {
			continue
		}
		keys = append(keys, protocol.Key{Kind: k, SessionID: s})
	}
	sortKeys(keys)
	return keys, nil
}
