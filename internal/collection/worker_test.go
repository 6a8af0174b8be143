package collection

import (
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// blockingClass runs updates that spin until cancelled, recording how
// often it was invoked.
type blockingClass struct {
	updates   atomic.Int32
	cancelled atomic.Int32
}

func (*blockingClass) Name() string                                          { return "blockingClass" }
func (*blockingClass) SettingsSchema() map[string]any                        { return map[string]any{} }
func (*blockingClass) SettingsDefault() map[string]any                       { return map[string]any{} }
func (*blockingClass) ValidateSettings(map[string]any) map[string]string     { return nil }
func (*blockingClass) PhotoInfo(*sql.DB, *Collection, int64) (*PhotoInfo, error) {
	return nil, nil
}

func (c *blockingClass) Update(db *sql.DB, col *Collection, cancelled func() bool) error {
	c.updates.Add(1)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cancelled() {
			c.cancelled.Add(1)
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func testWorkerCollection(class Class) *Collection {
	return &Collection{
		ID:         1,
		Identifier: "test",
		Enabled:    true,
		Settings:   map[string]any{},
		class:      class,
		log:        zap.NewNop(),
	}
}

func TestWorkerManualUpdateAndStop(t *testing.T) {
	class := &blockingClass{}
	col := testWorkerCollection(class)

	// No schedule: the worker only fires on request.
	w := startWorker(col, nil, zap.NewNop())
	w.requestUpdate(0)

	require.Eventually(t, func() bool { return class.updates.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// Stop interrupts the in-flight scan through the cancellation
	// check and the worker drains promptly.
	done := make(chan struct{})
	go func() {
		w.stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, int32(1), class.cancelled.Load())
}

func TestWorkerUpdateMessageCancelsAndReruns(t *testing.T) {
	class := &blockingClass{}
	col := testWorkerCollection(class)

	w := startWorker(col, nil, zap.NewNop())
	defer w.stop()

	w.requestUpdate(0)
	require.Eventually(t, func() bool { return class.updates.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// A second request while scanning cancels the current scan and
	// schedules the next one.
	w.requestUpdate(0)
	require.Eventually(t, func() bool { return class.updates.Load() == 2 },
		2*time.Second, 5*time.Millisecond)
}

// panicClass exercises the worker's fault isolation.
type panicClass struct {
	blockingClass
	panics atomic.Int32
}

func (c *panicClass) Update(db *sql.DB, col *Collection, cancelled func() bool) error {
	c.panics.Add(1)
	panic("strategy fault")
}

func TestWorkerSurvivesPanickingStrategy(t *testing.T) {
	class := &panicClass{}
	col := testWorkerCollection(class)

	w := startWorker(col, nil, zap.NewNop())
	defer func() {
		done := make(chan struct{})
		go func() {
			w.stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop after a panic")
		}
	}()

	w.requestUpdate(0)
	require.Eventually(t, func() bool { return class.panics.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// The worker is still alive and accepts the next round.
	w.requestUpdate(0)
	require.Eventually(t, func() bool { return class.panics.Load() == 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestClassRegistry(t *testing.T) {
	names := ClassNames()
	assert.Contains(t, names, "FileSystemCollection")
	assert.Contains(t, names, "AmazonPhotosCollection")
	assert.Contains(t, names, "DummyCollection")

	_, ok := ClassByName("FileSystemCollection")
	assert.True(t, ok)
	_, ok = ClassByName("NoSuchCollection")
	assert.False(t, ok)
}
