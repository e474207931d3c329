package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/dstilson/pipewright/internal/pipeline/errors"
	"github.com/dstilson/pipewright/transport"
)

func noopTask() TaskFactory {
	return StaticTask(TaskFunc(func(ctx context.Context, msg *transport.Message) (Disposition, error) {
		return Complete(), nil
	}))
}

func TestTaskRegistryResolveIsCaseInsensitive(t *testing.T) {
	r := newTaskRegistry()
	_, err := r.register(TaskRegistration{Key: "Welcome", Factory: noopTask()})
	require.NoError(t, err)

	for _, key := range []string{"Welcome", "welcome", "WELCOME"} {
		entry, err := r.resolve(key)
		require.NoError(t, err, key)
		assert.Equal(t, "Welcome", entry.key)
	}
}

func TestTaskRegistryDuplicateKeyFails(t *testing.T) {
	r := newTaskRegistry()
	_, err := r.register(TaskRegistration{Key: "Welcome", Factory: noopTask()})
	require.NoError(t, err)

	_, err = r.register(TaskRegistration{Key: "welcome", Factory: noopTask()})
	var dup *DuplicateTaskError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "welcome", dup.Key)
}

func TestTaskRegistryValidation(t *testing.T) {
	r := newTaskRegistry()

	_, err := r.register(TaskRegistration{Key: "  ", Factory: noopTask()})
	assert.ErrorIs(t, err, errspkg.ErrRoutingKeyRequired)

	_, err = r.register(TaskRegistration{Key: "Welcome"})
	assert.ErrorIs(t, err, errspkg.ErrTaskRequired)
}

func TestTaskRegistryResolveUnknownKey(t *testing.T) {
	r := newTaskRegistry()
	_, err := r.resolve("Missing")

	var notFound *TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "Missing", notFound.Key)
}

func TestTaskRegistryInfosKeepRegistrationOrder(t *testing.T) {
	r := newTaskRegistry()
	for _, key := range []string{"Welcome", "Farewell", "Digest"} {
		_, err := r.register(TaskRegistration{Key: key, Factory: noopTask()})
		require.NoError(t, err)
	}

	infos := r.infos()
	require.Len(t, infos, 3)
	assert.Equal(t, "Welcome", infos[0].Key)
	assert.Equal(t, "Farewell", infos[1].Key)
	assert.Equal(t, "Digest", infos[2].Key)
}

func TestStaticTaskReturnsSameInstance(t *testing.T) {
	task := TaskFunc(func(ctx context.Context, msg *transport.Message) (Disposition, error) {
		return Complete(), nil
	})
	factory := StaticTask(task)

	a, err := factory(NopScope{})
	require.NoError(t, err)
	b, err := factory(NopScope{})
	require.NoError(t, err)
	assert.NotNil(t, a)
	assert.NotNil(t, b)
}
