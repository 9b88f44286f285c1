// Package session implements the per-channel advisory session, sliding
// window rate limit, and cancel-flag control plane.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

const (
	staleAfter   = 60 * time.Second
	safetyTTL    = 5 * time.Minute
	globalCancel = kv.PrefixCancel + "global"
)

// State is the per-channel session state machine.
type State string

const (
	StateIdle        State = "IDLE"
	StateProcessing  State = "PROCESSING"
	StateToolExec    State = "TOOL_EXEC"
	StateResponding  State = "RESPONDING"
	StateDraining    State = "DRAINING"
	StateCancelling  State = "CANCELLING"
)

// Control is the session/rate/cancel control plane for one ScalyClaw node.
type Control struct {
	kv *kv.Store
}

// New returns a Control bound to store.
func New(store *kv.Store) *Control {
	return &Control{kv: store}
}

func sessionKey(channelID string) string {
	return kv.PrefixSession + channelID
}

// Acquire attempts to take the advisory session for channelID. Returns the
// owner token to present to Heartbeat/Release, and whether it was acquired.
// A session is stolen from a previous owner if its heartbeat is stale.
func (c *Control) Acquire(ctx context.Context, channelID string) (owner string, acquired bool, err error) {
	owner = uuid.NewString()
	sessionID := uuid.NewString()
	ok, err := c.kv.AcquireSession(ctx, sessionKey(channelID), owner, sessionID, staleAfter, safetyTTL)
	if err != nil {
		return "", false, err
	}
	return owner, ok, nil
}

// Heartbeat refreshes the session TTL/heartbeat iff owner still holds it.
// It is a no-op (returns false, nil) if the caller is no longer the owner,
// and never clears a sticky CANCELLING state.
func (c *Control) Heartbeat(ctx context.Context, channelID, owner string) (bool, error) {
	return c.kv.Heartbeat(ctx, sessionKey(channelID), owner)
}

// RequestCancel flips the session state to CANCELLING if the record exists.
// Idempotent; safe to call with no active session.
func (c *Control) RequestCancel(ctx context.Context, channelID string) error {
	exists, err := c.kv.Exists(ctx, sessionKey(channelID))
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return c.kv.HMSet(ctx, sessionKey(channelID), map[string]any{"state": string(StateCancelling)})
}

// IsCancelling reports whether channelID's session is in the CANCELLING state.
func (c *Control) IsCancelling(ctx context.Context, channelID string) (bool, error) {
	fields, err := c.kv.HGetAll(ctx, sessionKey(channelID))
	if err != nil {
		return false, err
	}
	return fields["state"] == string(StateCancelling), nil
}

// SetState transitions the session's state field (owner not checked; used
// internally by the orchestrator loop which already holds the owner token
// from Acquire).
func (c *Control) SetState(ctx context.Context, channelID string, state State) error {
	return c.kv.HMSet(ctx, sessionKey(channelID), map[string]any{"state": string(state)})
}

// Release releases the session iff owner still holds it. Idempotent.
func (c *Control) Release(ctx context.Context, channelID, owner string) error {
	_, err := c.kv.ReleaseSession(ctx, sessionKey(channelID), owner)
	return err
}

// RateLimit enforces N events per 60s for channelID using the scripted
// sliding window. Returns false if the channel is over the limit and the
// send/job should be dropped.
func (c *Control) RateLimit(ctx context.Context, channelID string, limit int64) (bool, error) {
	key := kv.PrefixRate + channelID
	return c.kv.CheckRateLimit(ctx, key, time.Minute, limit, uuid.NewString())
}

// RequestGlobalStop sets the short-TTL global cancel flag consulted at the
// top of every orchestrator loop iteration.
func (c *Control) RequestGlobalStop(ctx context.Context) error {
	return c.kv.Set(ctx, globalCancel, "1", 2*time.Minute)
}

// GlobalStopRequested reports whether /stop, /restart, or /shutdown has set
// the global cancel flag.
func (c *Control) GlobalStopRequested(ctx context.Context) (bool, error) {
	return c.kv.Exists(ctx, globalCancel)
}

// ClearGlobalStop removes the flag once drained.
func (c *Control) ClearGlobalStop(ctx context.Context) error {
	return c.kv.Del(ctx, globalCancel)
}

// TrackJob records jobID as an active tool-job for channelID, so /stop can
// bulk-cancel it later.
func (c *Control) TrackJob(ctx context.Context, channelID, jobID string) error {
	return c.kv.SAdd(ctx, channelJobsKey(channelID), jobID)
}

// UntrackJob removes jobID from channelID's active-job set.
func (c *Control) UntrackJob(ctx context.Context, channelID, jobID string) error {
	return c.kv.SRem(ctx, channelJobsKey(channelID), jobID)
}

// ActiveJobs returns the tracked tool-job ids for channelID.
func (c *Control) ActiveJobs(ctx context.Context, channelID string) ([]string, error) {
	return c.kv.SMembers(ctx, channelJobsKey(channelID))
}

func channelJobsKey(channelID string) string {
	return fmt.Sprintf("%s%s", kv.PrefixChannelJobs, channelID)
}
