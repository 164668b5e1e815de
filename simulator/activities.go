package simulator

import (
	"context"
	"errors"
	"fmt"
	mrand "math/rand"
	"time"

	"gator-threads/internal/engine"
	"gator-threads/internal/models"
	"gator-threads/internal/utils"
)

const awaitTimeout = 10 * time.Second

type viewer struct {
	id     string
	sim    *Simulator
	engine *engine.Engine
	rng    *mrand.Rand
	zipf   *mrand.Zipf
}

func (v *viewer) run(ctx context.Context) error {
	for _, threadID := range v.sim.threads {
		unsubscribe := v.engine.Subscribe(threadID, func(models.ThreadEvent) {
			v.sim.record(func(st *SimulationStats) { st.Events++ })
		})
		defer unsubscribe()
	}

	for {
		if err := v.sim.limiter.Wait(ctx); err != nil {
			return nil
		}
		threadID := v.sim.threads[v.zipf.Uint64()]
		if err := v.step(ctx, threadID); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("viewer %s on %s: %w", v.id, threadID, err)
		}
	}
}

// step performs one random action on a thread.
func (v *viewer) step(ctx context.Context, threadID string) error {
	forest, err := v.engine.Forest(ctx, threadID)
	if err != nil {
		return tolerate(err)
	}
	if forest.HasMore || forest.Loaded == 0 {
		_, err := v.engine.LoadNextPage(ctx, threadID)
		return tolerate(err)
	}

	var nodes []*models.Node
	forest.Walk(func(n *models.Node) { nodes = append(nodes, n) })
	target := nodes[v.rng.Intn(len(nodes))]

	switch roll := v.rng.Float64(); {
	case roll < 0.05:
		v.sim.record(func(st *SimulationStats) { st.Refreshes++ })
		_, err := v.engine.Refresh(ctx, threadID)
		return tolerate(err)
	case roll < 0.20:
		ticket, err := v.engine.Create(ctx, models.CreateCommand{
			ThreadID: threadID,
			Content:  fmt.Sprintf("%s says hello", v.id),
		})
		if err == nil && v.rng.Float64() < 0.5 {
			// Reply before the server has seen the parent.
			v.track(threadID, models.MutationCreate, ticket, nil)
			ticket, err = v.engine.Reply(ctx, models.ReplyCommand{ThreadID: threadID, ParentID: ticket.TargetID, Content: "first!"})
			v.track(threadID, models.MutationReply, ticket, err)
			return nil
		}
		v.track(threadID, models.MutationCreate, ticket, err)
	case roll < 0.45:
		ticket, err := v.engine.Reply(ctx, models.ReplyCommand{
			ThreadID: threadID,
			ParentID: target.ID,
			Content:  fmt.Sprintf("%s replies at depth %d", v.id, target.Depth+1),
		})
		v.track(threadID, models.MutationReply, ticket, err)
	case roll < 0.70:
		ticket, err := v.engine.ToggleLike(ctx, models.LikeCommand{ThreadID: threadID, NodeID: target.ID})
		v.track(threadID, models.MutationLike, ticket, err)
	case roll < 0.85:
		poll := nodes[0]
		for _, n := range nodes {
			if n.Poll != nil {
				poll = n
				break
			}
		}
		option := ""
		if poll.Poll != nil && v.rng.Float64() < 0.8 {
			option = poll.Poll.Options[v.rng.Intn(len(poll.Poll.Options))].ID
		}
		ticket, err := v.engine.Vote(ctx, models.VoteCommand{ThreadID: threadID, NodeID: poll.ID, OptionID: option})
		v.track(threadID, models.MutationVote, ticket, err)
	case roll < 0.95:
		ticket, err := v.engine.Edit(ctx, models.EditCommand{
			ThreadID: threadID,
			NodeID:   target.ID,
			Content:  fmt.Sprintf("edited by %s", v.id),
		})
		v.track(threadID, models.MutationEdit, ticket, err)
	default:
		ticket, err := v.engine.SoftDelete(ctx, models.DeleteCommand{ThreadID: threadID, NodeID: target.ID})
		v.track(threadID, models.MutationDelete, ticket, err)
	}
	return nil
}

// track records a command and, if it was applied, waits for its outcome in
// the background.
func (v *viewer) track(threadID string, kind models.MutationKind, ticket *models.PendingMutation, err error) {
	v.sim.record(func(st *SimulationStats) {
		st.Commands++
		st.ByKind[kind]++
		if err != nil {
			st.Rejected++
		}
	})
	if err != nil {
		if !expected(err) {
			v.sim.log.Warn("Unexpected command error", "viewer", v.id, "kind", kind, "error", err)
		}
		return
	}

	v.sim.awaits.Add(1)
	go func() {
		defer v.sim.awaits.Done()
		ctx, cancel := context.WithTimeout(context.Background(), awaitTimeout)
		defer cancel()
		out, err := v.engine.Await(ctx, threadID, ticket.CorrelationID)
		if err != nil {
			v.sim.log.Warn("Mutation never settled", "viewer", v.id, "correlationId", ticket.CorrelationID, "error", err)
			return
		}
		v.sim.record(func(st *SimulationStats) {
			if out.State == models.StateConfirmed {
				st.Confirmed++
			} else {
				st.RolledBack++
			}
		})
	}()
}

// expected reports whether a synchronous refusal is part of normal play:
// replies past the depth limit, edits of someone else's node, votes on a
// closed poll and actions on nodes that are still speculative.
func expected(err error) bool {
	return utils.IsErrorCode(err, utils.ErrValidation) || utils.IsErrorCode(err, utils.ErrConflict)
}

// tolerate swallows the transient failures a slow backend produces.
func tolerate(err error) error {
	if err == nil || utils.IsErrorCode(err, utils.ErrTransport) || utils.IsErrorCode(err, utils.ErrActorTimeout) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
