package shutdown

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// mockComponent is a Component whose shutdown behavior the tests control.
type mockComponent struct {
	name          string
	shutdownDelay time.Duration
	shouldFail    bool
	shutdownCount int32
}

func (m *mockComponent) Name() string { return m.name }

func (m *mockComponent) Shutdown(ctx context.Context) error {
	atomic.AddInt32(&m.shutdownCount, 1)

	select {
	case <-time.After(m.shutdownDelay):
		if m.shouldFail {
			return errors.New("mock shutdown failed")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockComponent) ShutdownCount() int {
	return int(atomic.LoadInt32(&m.shutdownCount))
}

func TestCoordinator_SignalShutsDownEveryComponent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	genDelay := gen.Int64Range(1, 50).Map(func(ms int64) time.Duration {
		return time.Duration(ms) * time.Millisecond
	})

	properties.Property("every registered component shuts down exactly once", prop.ForAll(
		func(componentDelay time.Duration, numComponents int) bool {
			sigCh := make(chan os.Signal, 1)
			coordinator := NewCoordinator(
				WithTimeout(2*time.Second),
				WithSignalChannel(sigCh),
			)

			components := make([]*mockComponent, numComponents)
			for i := range components {
				components[i] = &mockComponent{
					name:          "component-" + string(rune('A'+i)),
					shutdownDelay: componentDelay,
				}
				coordinator.Register(components[i])
			}

			done := make(chan struct{})
			go func() {
				coordinator.WaitForSignal()
				coordinator.Wait()
				close(done)
			}()

			sigCh <- os.Interrupt

			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Log("shutdown did not complete")
				return false
			}

			for i, comp := range components {
				if comp.ShutdownCount() != 1 {
					t.Logf("component %d shutdown count = %d, want 1", i, comp.ShutdownCount())
					return false
				}
			}
			return coordinator.ExitCode() == 0
		},
		genDelay,
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestCoordinator_FastComponentsExitClean(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	genTimeout := gen.Int64Range(100, 1000).Map(func(ms int64) time.Duration {
		return time.Duration(ms) * time.Millisecond
	})

	properties.Property("shutdown finishes within the timeout with exit code 0", prop.ForAll(
		func(timeout time.Duration) bool {
			coordinator := NewCoordinator(WithTimeout(timeout))
			coordinator.Register(&mockComponent{name: "fast", shutdownDelay: timeout / 4})

			start := time.Now()
			coordinator.Shutdown()
			coordinator.Wait()
			elapsed := time.Since(start)

			if elapsed > timeout+100*time.Millisecond {
				t.Logf("shutdown took %s, want under %s", elapsed, timeout)
				return false
			}
			return coordinator.ExitCode() == 0
		},
		genTimeout,
	))

	properties.Property("failing components still yield a clean exit", prop.ForAll(
		func(timeout time.Duration) bool {
			coordinator := NewCoordinator(WithTimeout(timeout))
			coordinator.Register(&mockComponent{name: "broken", shutdownDelay: timeout / 4, shouldFail: true})

			coordinator.Shutdown()
			coordinator.Wait()

			// A component error is logged, not a forced termination.
			return coordinator.ExitCode() == 0
		},
		genTimeout,
	))

	properties.TestingRun(t)
}

func TestCoordinator_SlowComponentForcesTermination(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	genTimeout := gen.Int64Range(50, 200).Map(func(ms int64) time.Duration {
		return time.Duration(ms) * time.Millisecond
	})

	properties.Property("shutdown gives up at the timeout with exit code 1", prop.ForAll(
		func(timeout time.Duration) bool {
			coordinator := NewCoordinator(WithTimeout(timeout))
			coordinator.Register(&mockComponent{name: "slow", shutdownDelay: timeout * 3})

			start := time.Now()
			coordinator.Shutdown()
			coordinator.Wait()
			elapsed := time.Since(start)

			if elapsed > timeout+200*time.Millisecond {
				t.Logf("shutdown took %s, want around %s", elapsed, timeout)
				return false
			}
			return coordinator.ExitCode() == 1
		},
		genTimeout,
	))

	properties.TestingRun(t)
}

func TestCoordinator_ShutdownIsIdempotent(t *testing.T) {
	coordinator := NewCoordinator(WithTimeout(time.Second))
	comp := &mockComponent{name: "once", shutdownDelay: 10 * time.Millisecond}
	coordinator.Register(comp)

	coordinator.Shutdown()
	coordinator.Shutdown()
	coordinator.Shutdown()
	coordinator.Wait()

	if comp.ShutdownCount() != 1 {
		t.Errorf("shutdown count = %d, want 1", comp.ShutdownCount())
	}
}
