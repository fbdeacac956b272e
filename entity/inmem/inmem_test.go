package inmem_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runforge/execengine/entity"
	"github.com/runforge/execengine/entity/inmem"
)

func TestClaimQueuedRunIsLinearizable(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	r, err := s.CreateRun(ctx, entity.Run{ThreadID: "t1", UserID: "u1", AssistantID: "a1"})
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := s.ClaimQueuedRun(ctx, r.ID)
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, entity.ErrNotFound)
		}
	}
	require.Equal(t, 1, successes)
}

func TestTransitionRunRejectsStaleFrom(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	r, err := s.CreateRun(ctx, entity.Run{ThreadID: "t1", UserID: "u1", Status: entity.RunInProgress})
	require.NoError(t, err)

	_, err = s.TransitionRun(ctx, r.ID, entity.RunInProgress, entity.RunCompleted, entity.RunPatch{})
	require.NoError(t, err)

	_, err = s.TransitionRun(ctx, r.ID, entity.RunInProgress, entity.RunFailed, entity.RunPatch{})
	require.ErrorIs(t, err, entity.ErrConflict)
}

func TestDeleteThreadCascades(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	th, err := s.CreateThread(ctx, entity.Thread{UserID: "u1"})
	require.NoError(t, err)
	msg, err := s.CreateMessage(ctx, entity.Message{ThreadID: th.ID, UserID: "u1", Role: entity.RoleUser})
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, entity.Run{ThreadID: th.ID, UserID: "u1"})
	require.NoError(t, err)
	_, err = s.AppendRunStep(ctx, entity.RunStep{RunID: run.ID, Type: entity.RunStepMessageCreation})
	require.NoError(t, err)

	require.NoError(t, s.DeleteThread(ctx, "u1", th.ID))

	_, err = s.GetThread(ctx, "u1", th.ID)
	require.ErrorIs(t, err, entity.ErrNotFound)
	_, err = s.GetMessage(ctx, "u1", th.ID, msg.ID)
	require.ErrorIs(t, err, entity.ErrNotFound)
	_, err = s.GetRun(ctx, "u1", th.ID, run.ID)
	require.ErrorIs(t, err, entity.ErrNotFound)
	steps, _, err := s.ListRunSteps(ctx, run.ID, "", 10)
	require.NoError(t, err)
	require.Empty(t, steps)
}

func TestListMessagesOrdersByCreatedAtThenID(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	th, err := s.CreateThread(ctx, entity.Thread{UserID: "u1"})
	require.NoError(t, err)

	base := th.CreatedAt
	m1, err := s.CreateMessage(ctx, entity.Message{ID: "m-b", ThreadID: th.ID, UserID: "u1", CreatedAt: base})
	require.NoError(t, err)
	m2, err := s.CreateMessage(ctx, entity.Message{ID: "m-a", ThreadID: th.ID, UserID: "u1", CreatedAt: base})
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, "u1", th.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, m2.ID, msgs[0].ID)
	require.Equal(t, m1.ID, msgs[1].ID)
}

func TestCrossTenantReadsAreScoped(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	th, err := s.CreateThread(ctx, entity.Thread{UserID: "u1"})
	require.NoError(t, err)

	_, err = s.GetThread(ctx, "u2", th.ID)
	require.ErrorIs(t, err, entity.ErrNotFound)
}

func TestRunRequiredActionClearedOutsideRequiresAction(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()
	r, err := s.CreateRun(ctx, entity.Run{ThreadID: "t1", UserID: "u1", Status: entity.RunInProgress})
	require.NoError(t, err)

	r, err = s.TransitionRun(ctx, r.ID, entity.RunInProgress, entity.RunRequiresAction, entity.RunPatch{
		RequiredAction: &entity.RequiredAction{Kind: entity.RequiredActionSubmitToolOutputs},
	})
	require.NoError(t, err)
	require.NotNil(t, r.RequiredAction)

	r, err = s.TransitionRun(ctx, r.ID, entity.RunRequiresAction, entity.RunInProgress, entity.RunPatch{})
	require.NoError(t, err)
	require.Nil(t, r.RequiredAction)
}
