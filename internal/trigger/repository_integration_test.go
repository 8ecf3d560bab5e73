package trigger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// newMongoRepository starts a MongoDB container and returns a repository
// bound to a fresh database.
func newMongoRepository(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminating mongo: %v", err)
		}
	})

	endpoint, err := ctr.PortEndpoint(ctx, "27017/tcp", "")
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://"+endpoint))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	require.NoError(t, client.Ping(ctx, nil))

	repo := NewRepository(client.Database("triggerflow_test"))
	require.NoError(t, repo.EnsureIndexes(ctx))
	return repo
}

func storedTrigger(id, creator string) *Trigger {
	return &Trigger{
		TriggerID:       id,
		CreatedBy:       creator,
		GlobusAuthScope: "https://auth.globus.org/scopes/tf/trigger_" + id,
		QueueID:         "queue-1",
		ActionURL:       "https://actions.example.org/hello",
		ActionScope:     "https://auth.example.org/scopes/hello/action_all",
		EventFilter:     "path.endsWith('.txt')",
		EventTemplate:   map[string]any{"file": "$path"},
		State:           TriggerStatePending,
		TokenSet: TokenSet{
			UserToken: Token{
				AccessToken:    "user-tok",
				Scope:          "trigger-scope",
				RefreshToken:   "rt-user",
				ExpirationTime: time.Now().Add(time.Hour).Unix(),
			},
			DependentTokens: map[string]Token{
				"queue-scope": {AccessToken: "queue-tok", Scope: "queue-scope", RefreshToken: "rt-q"},
			},
		},
	}
}

// TestRepositoryMongo runs the repository against a real MongoDB.
// It needs Docker; set TRIGGERFLOW_INTEGRATION=1 to run it.
func TestRepositoryMongo(t *testing.T) {
	if os.Getenv("TRIGGERFLOW_INTEGRATION") == "" {
		t.Skip("set TRIGGERFLOW_INTEGRATION=1 to run container-backed tests")
	}

	repo := newMongoRepository(t)
	ctx := context.Background()

	t.Run("insert and find", func(t *testing.T) {
		in := storedTrigger("trig-1", "user-1")
		require.NoError(t, repo.Insert(ctx, in))
		assert.False(t, in.CreatedAt.IsZero())

		got, err := repo.FindByID(ctx, "trig-1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.CreatedBy)
		assert.Equal(t, TriggerStatePending, got.State)
		assert.Equal(t, "$path", got.EventTemplate["file"])
		// The token set travels with the record even though it never
		// appears in API responses.
		assert.Equal(t, "queue-tok", got.TokenSet.DependentTokens["queue-scope"].AccessToken)

		_, err = repo.FindByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate insert", func(t *testing.T) {
		require.NoError(t, repo.Insert(ctx, storedTrigger("trig-2", "user-1")))
		assert.ErrorIs(t, repo.Insert(ctx, storedTrigger("trig-2", "user-1")), ErrDuplicateID)
	})

	t.Run("save replaces", func(t *testing.T) {
		tr := storedTrigger("trig-3", "user-1")
		require.NoError(t, repo.Insert(ctx, tr))

		tr.State = TriggerStateEnabled
		tr.EventCount = 7
		require.NoError(t, repo.Save(ctx, tr))

		got, err := repo.FindByID(ctx, "trig-3")
		require.NoError(t, err)
		assert.Equal(t, TriggerStateEnabled, got.State)
		assert.Equal(t, 7, got.EventCount)
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	})

	t.Run("update state", func(t *testing.T) {
		require.NoError(t, repo.Insert(ctx, storedTrigger("trig-4", "user-1")))
		require.NoError(t, repo.UpdateState(ctx, "trig-4", TriggerStateNoQueue))

		got, err := repo.FindByID(ctx, "trig-4")
		require.NoError(t, err)
		assert.Equal(t, TriggerStateNoQueue, got.State)

		assert.ErrorIs(t, repo.UpdateState(ctx, "missing", TriggerStateEnabled), ErrNotFound)
	})

	t.Run("list and filter", func(t *testing.T) {
		require.NoError(t, repo.Insert(ctx, storedTrigger("trig-5", "lister")))
		enabled := storedTrigger("trig-6", "lister")
		enabled.State = TriggerStateEnabled
		require.NoError(t, repo.Insert(ctx, enabled))

		mine, err := repo.ListByCreator(ctx, "lister")
		require.NoError(t, err)
		assert.Len(t, mine, 2)

		running, err := repo.List(ctx, TriggerStateEnabled)
		require.NoError(t, err)
		ids := make([]string, 0, len(running))
		for _, tr := range running {
			assert.Equal(t, TriggerStateEnabled, tr.State)
			ids = append(ids, tr.TriggerID)
		}
		assert.Contains(t, ids, "trig-6")
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, repo.Insert(ctx, storedTrigger("trig-7", "user-1")))

		removed, err := repo.Remove(ctx, "trig-7")
		require.NoError(t, err)
		assert.Equal(t, "trig-7", removed.TriggerID)

		_, err = repo.FindByID(ctx, "trig-7")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = repo.Remove(ctx, "trig-7")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
