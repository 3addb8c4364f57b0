package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Box names for the engine's logical namespaces. Each protocol gets its own
// box so clearing one never disturbs another.
const (
	BoxSettings     = "settings"
	BoxTracking     = "tracking"
	BoxSyncQueue    = "syncqueue"
	BoxSyncSettings = "syncsettings"
)

// Box is a namespaced durable key/value view over the kv table. Each Get and
// Put is a single SQLite statement, which is what lets the task lock and the
// debounce state coordinate invocations that share no process memory.
type Box struct {
	db   *sql.DB
	name string
}

// Box returns the named key/value namespace.
func (s *Store) Box(name string) *Box {
	return &Box{db: s.db, name: name}
}

// Get returns the raw value for key, or (nil, nil) when the key is absent.
func (b *Box) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE box = ? AND key = ?`, b.name, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", b.name, key, err)
	}
	return value, nil
}

// Put stores value under key, replacing any previous value.
func (b *Box) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO kv (box, key, value) VALUES (?, ?, ?)
		ON CONFLICT(box, key) DO UPDATE SET value = excluded.value`,
		b.name, key, value)
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", b.name, key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (b *Box) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM kv WHERE box = ? AND key = ?`, b.name, key)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", b.name, key, err)
	}
	return nil
}

// Clear removes every key in this box.
func (b *Box) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE box = ?`, b.name); err != nil {
		return fmt.Errorf("clearing box %s: %w", b.name, err)
	}
	return nil
}

// GetJSON unmarshals the value for key into out. It reports whether the key
// was present.
func (b *Box) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, err := b.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", b.name, key, err)
	}
	return true, nil
}

// PutJSON marshals v and stores it under key.
func (b *Box) PutJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", b.name, key, err)
	}
	return b.Put(ctx, key, raw)
}
