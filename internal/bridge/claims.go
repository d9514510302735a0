package bridge

import "sync"

// ClaimSet tracks steps currently being dispatched, keyed by workflow and
// step id. It is the in-memory guard against double dispatch when a step's
// execution spans poll ticks: the persisted status only changes once the
// engine claims the step, so without this set two overlapping ticks would
// both see pending_foreground and both dispatch.
type ClaimSet struct {
	mu     sync.Mutex
	claims map[claimKey]struct{}
}

type claimKey struct {
	workflowID string
	stepID     string
}

// NewClaimSet creates an empty ClaimSet.
func NewClaimSet() *ClaimSet {
	return &ClaimSet{claims: make(map[claimKey]struct{})}
}

// TryAcquire marks the step as claimed. Returns false if it already is.
func (c *ClaimSet) TryAcquire(workflowID, stepID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := claimKey{workflowID, stepID}
	if _, ok := c.claims[key]; ok {
		return false
	}
	c.claims[key] = struct{}{}
	return true
}

// Release drops the claim, whatever the dispatch outcome was.
func (c *ClaimSet) Release(workflowID, stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, claimKey{workflowID, stepID})
}

// Len returns the number of active claims.
func (c *ClaimSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}
