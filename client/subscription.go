package client

import (
	"context"

	"github.com/commontoolsinc/spacestore/registry"
	"github.com/commontoolsinc/spacestore/transport"
)

// Subscription is an unsubscribe handle for one live query.
type Subscription struct {
	core  *Core
	id    string
	space string
	query registry.Query
}

// Subscribe opens a subscription on (space, query) and returns a handle
// whose Unsubscribe tears it down. The initial backfill-plus-complete
// sequence populates the baseline view before synced(space) resolves.
func (c *Core) Subscribe(ctx context.Context, space string, q registry.Query) (*Subscription, error) {
	subID := registry.IDFor(c.clientID, q)
	inv, err := c.invocation(transport.CmdSubscribe, space, transport.SubscribeArgs{ConsumerID: c.clientID, Query: q})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.docState(space, q.DocID) // ensures docSpace routing is ready before any delivery can arrive
	c.subByDoc[q.DocID] = subID
	c.pendingSubs[subID] = space
	c.mu.Unlock()

	done, err := c.conn.subscribeWire(inv)
	if err != nil {
		c.mu.Lock()
		delete(c.pendingSubs, subID)
		c.mu.Unlock()
		return nil, err
	}
	go func() {
		<-done
		c.mu.Lock()
		delete(c.pendingSubs, subID)
		c.cond.Broadcast()
		c.mu.Unlock()
	}()

	return &Subscription{core: c, id: subID, space: space, query: q}, nil
}

// Unsubscribe tears down the subscription.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	inv, err := s.core.invocation(transport.CmdUnsubscribe, s.space, transport.UnsubscribeArgs{SubscriptionID: s.id})
	if err != nil {
		return err
	}
	_, err = s.core.conn.invoke(ctx, inv)
	return err
}

// Synced resolves once every subscription opened before this call has
// emitted complete and every commit submitted before this call has settled
// (§4.7's synced() barrier, invariant 10).
func (c *Core) Synced(ctx context.Context, space string) error {
	c.mu.Lock()
	targetSubs := map[string]bool{}
	for id, sp := range c.pendingSubs {
		if sp == space {
			targetSubs[id] = true
		}
	}
	targetCommits := map[uint64]bool{}
	for tok, sp := range c.pendingCommits {
		if sp == space {
			targetCommits[tok] = true
		}
	}
	c.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for anyPresent(targetSubs, c.pendingSubs) || anyPresentCommits(targetCommits, c.pendingCommits) {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

func anyPresent(target map[string]bool, current map[string]string) bool {
	for id := range target {
		if _, ok := current[id]; ok {
			return true
		}
	}
	return false
}

func anyPresentCommits(target map[uint64]bool, current map[uint64]string) bool {
	for tok := range target {
		if _, ok := current[tok]; ok {
			return true
		}
	}
	return false
}
