package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"

	"gridclash.app/internal/client"
	"gridclash.app/internal/protocol"
	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
)

type bot struct {
	c    *client.Client
	room string
	rec  *client.Reconciler
	team grid.Team
	rng  *rand.Rand
	log  *log.Logger
}

func (b *bot) handle(ctx context.Context, msg []byte) {
	env, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch env.Type {
	case protocol.TypeSettled:
		var s protocol.SettledMsg
		if err := json.Unmarshal(msg, &s); err != nil {
			return
		}
		b.log.Printf("SETTLED %s next=%s digest=%s settlements=%d", s.Bucket, s.Next, s.Digest, s.Settlements)
		b.settled(ctx, s)
	case protocol.TypeBoard:
		var bm protocol.BoardMsg
		if err := json.Unmarshal(msg, &bm); err != nil {
			return
		}
		b.log.Printf("BOARD %s settled=%v digest=%s", bm.Bucket, bm.Settled, bm.Digest)
	}
}

// settled pulls the authoritative board for the finished hour, then plays
// the next one.
func (b *bot) settled(ctx context.Context, s protocol.SettledMsg) {
	board, err := b.c.FetchBoardState(ctx, s.RoomID, s.Bucket)
	if err != nil {
		b.log.Printf("board %s: %v", s.Bucket, err)
		b.rec.Advance(clock.HourBucket(s.Next))
	} else if !b.rec.ApplyBoard(board) {
		b.rec.Advance(clock.HourBucket(s.Next))
	}
	if s.Next == "" {
		return
	}
	if sum, err := b.c.FetchRoundSummary(ctx, s.RoomID, s.Bucket); err == nil {
		b.log.Printf("SUMMARY %s spent=%d captures=%d", s.Bucket, sum.SpentTotal(b.team), len(sum.Captures))
	}
	b.submit(ctx)
}

func (b *bot) submit(ctx context.Context) {
	plan := randomPlan(b.rng, b.rec.Board(), b.team, b.rec.Remaining())
	for cell, amt := range plan {
		if _, err := b.rec.Set(cell, amt); err != nil {
			b.log.Printf("plan cell %d: %v", cell, err)
		}
	}
	if res, err := b.rec.Preview(); err == nil {
		b.log.Printf("PREVIEW %s owned=%d", b.rec.Bucket(), res.Grid.OwnedCount(b.team))
	}

	bucket := b.rec.Bucket().String()
	resp, err := b.c.SubmitAllocations(ctx, b.room, bucket, b.team, b.rec.Allocations())
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && protocol.Retryable(apiErr.Code) {
		// Upserts are idempotent, so resending the same plan once is safe.
		b.log.Printf("submit %s: %s, resending", bucket, apiErr.Code)
		resp, err = b.c.SubmitAllocations(ctx, b.room, bucket, b.team, b.rec.Allocations())
	}
	if err != nil {
		if errors.As(err, &apiErr) {
			b.log.Printf("submit %s: %s %s", bucket, apiErr.Code, apiErr.Message)
		} else {
			b.log.Printf("submit %s: %v", bucket, err)
		}
		return
	}
	if b.rec.ApplySubmit(resp) {
		b.log.Printf("SUBMIT %s applied=%v remaining=%d", bucket, resp.Applied, resp.Remaining)
	}
}

// randomPlan spreads a random share of the budget over up to three
// targetable cells.
func randomPlan(rng *rand.Rand, g grid.Grid, team grid.Team, budget int) map[int]int {
	var targets []int
	for i := 0; i < grid.Cells; i++ {
		if g.Target(i, team) != grid.TargetLocked {
			targets = append(targets, i)
		}
	}
	plan := map[int]int{}
	if len(targets) == 0 || budget <= 0 {
		return plan
	}
	rng.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
	n := 1 + rng.Intn(min(3, len(targets)))
	left := budget/2 + rng.Intn(budget/2+1)
	for i := 0; i < n && left > 0; i++ {
		amt := left
		if i < n-1 {
			amt = 1 + rng.Intn(left)
		}
		plan[targets[i]] += amt
		left -= amt
	}
	return plan
}
