package session

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExtraction() ExtractionData {
	return ExtractionData{
		Summary: model.MetadataSummary{OrgName: "Acme Insurance"},
		Objects: []model.ObjectDescriptor{{Name: "Account", Label: "Account"}},
	}
}

func testUseCases() []model.UseCase {
	return []model.UseCase{
		{ID: "uc1", Name: "Account lookup", PromptCount: 3},
		{ID: "uc2", Name: "Pipeline review", PromptCount: 3},
	}
}

func testPrompts() map[string][]model.PromptRecord {
	return map[string][]model.PromptRecord{
		"uc1": {{UseCase: "uc1", Prompt: "Find the Acme account", ExpectedObject: "Account", Difficulty: model.DifficultyEasy, ExpectedBehavior: "Returns the account"}},
	}
}

func TestSessionLifecycle(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	store := NewStore(0)

	sess := store.Create()
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, model.StateCreated, sess.State)
	assert.Equal(t, 1, store.Len())

	err := store.With(sess.ID, func(s *Session) error {
		return s.SetMetadata(testExtraction(), testUseCases(), "Find accounts. Review the pipeline.")
	})
	require.NoError(t, err)

	err = store.With(sess.ID, func(s *Session) error {
		assert.Equal(t, model.StateMetadataReady, s.State)
		assert.Equal(t, []string{"uc1", "uc2"}, s.UseCaseOrder)
		return s.StorePrompts(testPrompts(), nil, model.TokenUsage{Input: 10, Output: 20})
	})
	require.NoError(t, err)

	err = store.With(sess.ID, func(s *Session) error {
		assert.Equal(t, model.StatePromptsReady, s.State)
		assert.Equal(t, model.TokenUsage{Input: 10, Output: 20}, s.Usage)
		return nil
	})
	require.NoError(t, err)
}

func TestSetMetadata_OnlyFromCreated(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	store := NewStore(0)
	sess := store.Create()

	err := store.With(sess.ID, func(s *Session) error {
		return s.SetMetadata(testExtraction(), testUseCases(), "text")
	})
	require.NoError(t, err)

	err = store.With(sess.ID, func(s *Session) error {
		return s.SetMetadata(testExtraction(), testUseCases(), "text")
	})
	var stateErr *model.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "extract", stateErr.Op)
	assert.Equal(t, model.StateMetadataReady, stateErr.State)
}

func TestStorePrompts_RequiresMetadata(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	store := NewStore(0)
	sess := store.Create()

	err := store.With(sess.ID, func(s *Session) error {
		return s.StorePrompts(testPrompts(), nil, model.TokenUsage{})
	})
	var stateErr *model.InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "generate", stateErr.Op)
}

func TestStorePrompts_RejectsUnknownUseCase(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	store := NewStore(0)
	sess := store.Create()

	err := store.With(sess.ID, func(s *Session) error {
		return s.SetMetadata(testExtraction(), testUseCases(), "text")
	})
	require.NoError(t, err)

	err = store.With(sess.ID, func(s *Session) error {
		return s.StorePrompts(map[string][]model.PromptRecord{
			"uc99": {{UseCase: "uc99", Prompt: "p"}},
		}, nil, model.TokenUsage{})
	})
	var valErr *model.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Msg, "uc99")

	// State must be unchanged after the rejected batch.
	err = store.With(sess.ID, func(s *Session) error {
		assert.Equal(t, model.StateMetadataReady, s.State)
		return nil
	})
	require.NoError(t, err)
}

func TestStorePrompts_RejectsEmptyBatch(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	store := NewStore(0)
	sess := store.Create()

	err := store.With(sess.ID, func(s *Session) error {
		return s.SetMetadata(testExtraction(), testUseCases(), "text")
	})
	require.NoError(t, err)

	err = store.With(sess.ID, func(s *Session) error {
		return s.StorePrompts(map[string][]model.PromptRecord{}, nil, model.TokenUsage{})
	})
	var valErr *model.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "prompts", valErr.Field)
}

func TestStorePrompts_RegenerationAllowed(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	store := NewStore(0)
	sess := store.Create()

	require.NoError(t, store.With(sess.ID, func(s *Session) error {
		return s.SetMetadata(testExtraction(), testUseCases(), "text")
	}))
	require.NoError(t, store.With(sess.ID, func(s *Session) error {
		return s.StorePrompts(testPrompts(), nil, model.TokenUsage{Input: 10})
	}))

	// Second batch from prompts-ready replaces records and accumulates usage.
	require.NoError(t, store.With(sess.ID, func(s *Session) error {
		return s.StorePrompts(testPrompts(), nil, model.TokenUsage{Input: 5})
	}))
	require.NoError(t, store.With(sess.ID, func(s *Session) error {
		assert.Equal(t, 15, s.Usage.Input)
		return nil
	}))
}

func TestCleanup(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	store := NewStore(0)
	sess := store.Create()

	require.NoError(t, store.Cleanup(sess.ID))
	assert.Equal(t, 0, store.Len())

	var notFound *model.SessionNotFoundError
	err := store.With(sess.ID, func(*Session) error { return nil })
	require.ErrorAs(t, err, &notFound)

	// Double cleanup is an error, same as any access to a destroyed session.
	err = store.Cleanup(sess.ID)
	require.ErrorAs(t, err, &notFound)
}

func TestWith_UnknownSession(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	store := NewStore(0)

	var notFound *model.SessionNotFoundError
	err := store.With("nope", func(*Session) error { return nil })
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.ID)
}

func TestLazyExpiry(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	store := NewStore(10 * time.Millisecond)
	sess := store.Create()

	time.Sleep(30 * time.Millisecond)

	// The sweeper has not run, but access after the idle window still
	// reports the session gone.
	var notFound *model.SessionNotFoundError
	err := store.With(sess.ID, func(*Session) error { return nil })
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 0, store.Len())
}

func TestSweep(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	store := NewStore(10 * time.Millisecond)
	idle := store.Create()

	time.Sleep(30 * time.Millisecond)
	fresh := store.Create()

	store.sweep()

	assert.Equal(t, 1, store.Len())
	require.NoError(t, store.With(fresh.ID, func(*Session) error { return nil }))

	var notFound *model.SessionNotFoundError
	err := store.With(idle.ID, func(*Session) error { return nil })
	require.ErrorAs(t, err, &notFound)
}

// Sweeping and accessing expired sessions at the same time must not
// deadlock: With and sweep both close out idle sessions, and they take
// the registry and session locks in different orders if not careful.
func TestConcurrentSweepAndAccess(t *testing.T) {
	logger.SetupLogger(io.Discard, false)
	store := NewStore(1 * time.Millisecond)

	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		ids = append(ids, store.Create().ID)
	}
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_ = store.With(id, func(*Session) error { return nil })
			}(id)
		}
		for i := 0; i < 50; i++ {
			store.sweep()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("store wedged while sweeping expired sessions under access")
	}

	assert.Equal(t, 0, store.Len())

	store.idleTimeout = time.Minute
	fresh := store.Create()
	require.NoError(t, store.With(fresh.ID, func(*Session) error { return nil }))
}
