package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

// reloadTopic is the reserved pub/sub channel config reload announcements
// go out on.
const reloadTopic = "scalyclaw:config-reload"

// ReloadEvent is published whenever the document is saved.
type ReloadEvent struct {
	ChannelsChanged bool `json:"channelsChanged"`
}

// Store owns the hot config document: callers read a frozen snapshot via
// an atomic pointer swap rather than locking, so concurrent readers never
// observe a partially-applied update.
type Store struct {
	kv    *kv.Store
	cache atomic.Pointer[Doc]
}

// NewStore returns a Store bound to kvStore. Call Load before use.
func NewStore(kvStore *kv.Store) *Store {
	return &Store{kv: kvStore}
}

// Load reads the document from the KV store, merges defaults, validates,
// and atomically swaps the frozen cache.
func (s *Store) Load(ctx context.Context) error {
	raw, err := s.kv.Get(ctx, kv.PrefixConfig)
	if err != nil {
		return fmt.Errorf("config: read document: %w", err)
	}
	var d Doc
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return fmt.Errorf("config: parse document: %w", err)
		}
	}
	merged := MergeDefaults(d, Defaults())
	if err := Validate(merged); err != nil {
		return fmt.Errorf("config: invalid document: %w", err)
	}
	frozen := merged
	s.cache.Store(&frozen)
	return nil
}

// GetConfigRef returns the frozen cached document for read-only use. The
// returned value must not be mutated.
func (s *Store) GetConfigRef() Doc {
	if d := s.cache.Load(); d != nil {
		return *d
	}
	return Defaults()
}

// GetConfig returns a deep clone of the cached document for mutate-then-save
// flows (encode/decode round trip is the cheapest correct deep copy given
// Doc's nested slices/maps).
func (s *Store) GetConfig() (Doc, error) {
	ref := s.GetConfigRef()
	raw, err := json.Marshal(ref)
	if err != nil {
		return Doc{}, err
	}
	var clone Doc
	if err := json.Unmarshal(raw, &clone); err != nil {
		return Doc{}, err
	}
	return clone, nil
}

// SaveConfig merges defaults into d, validates it, writes it, and refreshes
// the cache. Unknown top-level keys are rejected at the HTTP layer (see
// gateway), not here.
func (s *Store) SaveConfig(ctx context.Context, d Doc) error {
	merged := MergeDefaults(d, Defaults())
	if err := Validate(merged); err != nil {
		return fmt.Errorf("config: invalid document: %w", err)
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("config: marshal document: %w", err)
	}
	if err := s.kv.Set(ctx, kv.PrefixConfig, string(raw), 0); err != nil {
		return fmt.Errorf("config: write document: %w", err)
	}
	frozen := merged
	s.cache.Store(&frozen)
	return nil
}

// Updater mutates a config document in place.
type Updater func(d *Doc) error

// UpdateConfig is the atomic compose-and-save helper: load the current
// clone, apply updater, save.
func (s *Store) UpdateConfig(ctx context.Context, updater Updater) error {
	d, err := s.GetConfig()
	if err != nil {
		return err
	}
	prevAuthType, prevAuthValue := d.Gateway.AuthType, d.Gateway.AuthValue
	if err := updater(&d); err != nil {
		return err
	}
	// Gateway auth fields are never mutated through generic update paths;
	// they have their own dedicated rotation flow.
	d.Gateway.AuthType = prevAuthType
	d.Gateway.AuthValue = prevAuthValue
	return s.SaveConfig(ctx, d)
}

// PublishConfigReload broadcasts ev on the reserved reload channel.
// SubscribeReload is the matching subscription; no component in this
// module subscribes, so a published event does not by itself reload
// channel adapters or re-register scheduler entries.
func (s *Store) PublishConfigReload(ctx context.Context, ev ReloadEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.kv.Publish(ctx, reloadTopic, string(raw))
	return err
}

// SubscribeReload returns a channel of ReloadEvent for subscribers, and a
// func that closes the subscription.
func (s *Store) SubscribeReload(ctx context.Context) (<-chan ReloadEvent, func()) {
	sub := s.kv.Subscribe(ctx, reloadTopic)
	out := make(chan ReloadEvent, 4)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev ReloadEvent
			if json.Unmarshal([]byte(msg.Payload), &ev) == nil {
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}
