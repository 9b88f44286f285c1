// Package registry owns the agent and skill registrations kept in the KV
// store, plus the on-disk bundle (manifest + source files) each one points
// at. It is the shared source of truth the system-prompt builder, the tool
// dispatcher, the guard pipeline, and the agent runner all read from.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/scalyclaw/scalyclaw/internal/kv"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// skillWatchDebounce coalesces a burst of filesystem events (a bundle's
// manifest plus several source files landing in the same moment) into one
// rescan.
const skillWatchDebounce = 250 * time.Millisecond

const (
	prefixAgent = "scalyclaw:agent:"
	prefixSkill = "scalyclaw:skill:"
)

// Registry tracks installed skills and registered agents: their KV-backed
// registration state plus the on-disk bundle each one owns.
type Registry struct {
	kv       *kv.Store
	skillDir string
	agentDir string
	logger   *slog.Logger

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// New returns a Registry rooted at skillDir/agentDir for bundle files.
func New(store *kv.Store, skillDir, agentDir string) *Registry {
	return &Registry{kv: store, skillDir: skillDir, agentDir: agentDir, logger: slog.Default()}
}

func agentKey(id string) string { return prefixAgent + id }
func skillKey(id string) string { return prefixSkill + id }

// --- skills ---

// SkillBundlePath returns the on-disk directory for a skill id.
func (r *Registry) SkillBundlePath(id string) string {
	return filepath.Join(r.skillDir, id)
}

// InstallSkill writes manifest.yaml plus source files to the skill's bundle
// directory and records its registration. Enabled defaults to true. Callers
// that need a guard review between writing the bundle and registering it
// (the upload HTTP path does) should call WriteSkillBundle and RegisterSkill
// directly instead.
func (r *Registry) InstallSkill(ctx context.Context, id string, manifest types.SkillManifest, files map[string]string) error {
	if _, err := r.WriteSkillBundle(id, manifest, files); err != nil {
		return err
	}
	return r.RegisterSkill(ctx, id)
}

// WriteSkillBundle writes manifest.yaml plus source files to the skill's
// bundle directory without touching its KV registration, so a caller can
// review the written bundle (e.g. through the guard pipeline) before
// deciding whether to register it. Returns the bundle directory.
func (r *Registry) WriteSkillBundle(id string, manifest types.SkillManifest, files map[string]string) (string, error) {
	dir := r.SkillBundlePath(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("registry: create skill dir: %w", err)
	}
	raw, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("registry: marshal skill manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), raw, 0o644); err != nil {
		return "", fmt.Errorf("registry: write skill manifest: %w", err)
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("registry: create skill file dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("registry: write skill file %q: %w", name, err)
		}
	}
	return dir, nil
}

// RegisterSkill records id's registration (enabled by default), separate
// from WriteSkillBundle so a rejected bundle never reaches this step.
func (r *Registry) RegisterSkill(ctx context.Context, id string) error {
	reg := types.SkillRegistration{ID: id, Enabled: true}
	raw, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, skillKey(id), string(raw), 0)
}

// GetSkillManifest reads and parses a skill bundle's manifest.
func (r *Registry) GetSkillManifest(id string) (types.SkillManifest, error) {
	raw, err := os.ReadFile(filepath.Join(r.SkillBundlePath(id), "manifest.yaml"))
	if err != nil {
		return types.SkillManifest{}, fmt.Errorf("registry: read skill manifest: %w", err)
	}
	var m types.SkillManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return types.SkillManifest{}, fmt.Errorf("registry: parse skill manifest: %w", err)
	}
	return m, nil
}

// GetSkillSourceFiles reads every file in a skill's bundle (other than its
// manifest) into a map keyed by bundle-relative path, for the guard
// pipeline's review step.
func (r *Registry) GetSkillSourceFiles(id string) (map[string]string, error) {
	dir := r.SkillBundlePath(id)
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Base(path) == "manifest.yaml" {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		files[rel] = string(content)
		return nil
	})
	return files, err
}

// GetSkill returns the registration state for id.
func (r *Registry) GetSkill(ctx context.Context, id string) (*types.SkillRegistration, error) {
	raw, err := r.kv.Get(ctx, skillKey(id))
	if err != nil || raw == "" {
		return nil, err
	}
	var reg types.SkillRegistration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// SetSkillEnabled toggles a skill's enabled flag.
func (r *Registry) SetSkillEnabled(ctx context.Context, id string, enabled bool) error {
	reg, err := r.GetSkill(ctx, id)
	if err != nil {
		return err
	}
	if reg == nil {
		return fmt.Errorf("registry: no such skill %q", id)
	}
	reg.Enabled = enabled
	raw, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, skillKey(id), string(raw), 0)
}

// UninstallSkill removes the registration; bundle files are left on disk
// for operator inspection/recovery and must be removed out of band.
func (r *Registry) UninstallSkill(ctx context.Context, id string) error {
	return r.kv.Del(ctx, skillKey(id))
}

// ListSkills returns every registered skill, sorted by id.
func (r *Registry) ListSkills(ctx context.Context) ([]types.SkillRegistration, error) {
	regs, err := scanRegistrations[types.SkillRegistration](ctx, r.kv, prefixSkill)
	if err != nil {
		return nil, err
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].ID < regs[j].ID })
	return regs, nil
}

// DiscoverSkills scans skillDir for bundles that are not yet registered
// and registers them, enabled by default — the path by which a skill
// bundle dropped directly onto disk (outside the upload API, and so
// without a guard review) becomes available. Called once at node startup
// and again by WatchSkills's watch loop on every filesystem change.
func (r *Registry) DiscoverSkills(ctx context.Context) error {
	entries, err := os.ReadDir(r.skillDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: scan skill dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if _, err := os.Stat(filepath.Join(r.skillDir, id, "manifest.yaml")); err != nil {
			continue
		}
		existing, err := r.GetSkill(ctx, id)
		if err != nil || existing != nil {
			continue
		}
		if err := r.RegisterSkill(ctx, id); err != nil {
			r.logger.Warn("registry: discover skill failed", "id", id, "error", err)
			continue
		}
		r.logger.Info("registry: discovered skill from disk", "id", id)
	}
	return nil
}

// WatchSkills starts an fsnotify watcher on skillDir and re-runs
// DiscoverSkills (debounced) whenever a bundle is added or changed, so a
// skill dropped onto disk is picked up without a node restart. A second
// call is a no-op while a watcher is already running.
func (r *Registry) WatchSkills(ctx context.Context) error {
	if err := os.MkdirAll(r.skillDir, 0o755); err != nil {
		return fmt.Errorf("registry: create skill dir: %w", err)
	}

	r.watchMu.Lock()
	if r.watcher != nil {
		r.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.watchMu.Unlock()
		return fmt.Errorf("registry: start skill watcher: %w", err)
	}
	if err := watcher.Add(r.skillDir); err != nil {
		watcher.Close()
		r.watchMu.Unlock()
		return fmt.Errorf("registry: watch skill dir: %w", err)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	r.watcher = watcher
	r.watchCancel = cancel
	r.watchWg.Add(1)
	r.watchMu.Unlock()

	go r.watchLoop(watchCtx, watcher)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer r.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleRescan := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(skillWatchDebounce, func() {
			if err := r.DiscoverSkills(context.Background()); err != nil {
				r.logger.Warn("registry: skill rescan failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				scheduleRescan()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("registry: skill watcher error", "error", err)
		}
	}
}

// CloseWatch stops the skill filesystem watcher started by WatchSkills, if
// one is running. Safe to call even if WatchSkills was never called.
func (r *Registry) CloseWatch() error {
	r.watchMu.Lock()
	cancel := r.watchCancel
	watcher := r.watcher
	r.watchCancel = nil
	r.watcher = nil
	r.watchMu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	r.watchWg.Wait()
	return err
}

// --- agents ---

// AgentBundlePath returns the on-disk directory for an agent id.
func (r *Registry) AgentBundlePath(id string) string {
	return filepath.Join(r.agentDir, id)
}

// RegisterAgent writes the agent's system prompt file and stores its
// registration. Existing registrations are overwritten, except the
// Immutable flag, which once set can never be cleared through this path.
func (r *Registry) RegisterAgent(ctx context.Context, reg types.AgentRegistration, systemPrompt string) error {
	existing, err := r.GetAgent(ctx, reg.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Immutable {
		reg.Immutable = true
	}

	dir := r.AgentBundlePath(reg.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: create agent dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "system_prompt.md"), []byte(systemPrompt), 0o644); err != nil {
		return fmt.Errorf("registry: write agent system prompt: %w", err)
	}

	raw, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, agentKey(reg.ID), string(raw), 0)
}

// GetAgentSystemPrompt reads an agent's stored system prompt file.
func (r *Registry) GetAgentSystemPrompt(id string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(r.AgentBundlePath(id), "system_prompt.md"))
	if err != nil {
		return "", fmt.Errorf("registry: read agent system prompt: %w", err)
	}
	return string(raw), nil
}

// GetAgent returns the registration for id.
func (r *Registry) GetAgent(ctx context.Context, id string) (*types.AgentRegistration, error) {
	raw, err := r.kv.Get(ctx, agentKey(id))
	if err != nil || raw == "" {
		return nil, err
	}
	var reg types.AgentRegistration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// SetAgentEnabled toggles an agent's enabled flag. Refuses on immutable agents.
func (r *Registry) SetAgentEnabled(ctx context.Context, id string, enabled bool) error {
	reg, err := r.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if reg == nil {
		return fmt.Errorf("registry: no such agent %q", id)
	}
	if reg.Immutable {
		return fmt.Errorf("registry: agent %q is immutable", id)
	}
	reg.Enabled = enabled
	raw, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return r.kv.Set(ctx, agentKey(id), string(raw), 0)
}

// DeregisterAgent removes the registration. Refuses on immutable agents.
func (r *Registry) DeregisterAgent(ctx context.Context, id string) error {
	reg, err := r.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if reg != nil && reg.Immutable {
		return fmt.Errorf("registry: agent %q is immutable", id)
	}
	return r.kv.Del(ctx, agentKey(id))
}

// ListAgents returns every registered agent, sorted by id.
func (r *Registry) ListAgents(ctx context.Context) ([]types.AgentRegistration, error) {
	regs, err := scanRegistrations[types.AgentRegistration](ctx, r.kv, prefixAgent)
	if err != nil {
		return nil, err
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].ID < regs[j].ID })
	return regs, nil
}

func scanRegistrations[T any](ctx context.Context, store *kv.Store, prefix string) ([]T, error) {
	var out []T
	iter := store.Client().Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasSuffix(key, "*") {
			continue
		}
		raw, err := store.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, iter.Err()
}
