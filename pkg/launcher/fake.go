package launcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/scanorc/pkg/types"
)

// Fake is an in-process stand-in for Launcher: it never touches
// containerd, just tracks launched/stopped handles and lets a test script
// their described lifecycle.
type Fake struct {
	mu           sync.Mutex
	launched     map[types.TaskHandle]bool
	stopped      map[types.TaskHandle]bool
	descriptions map[types.TaskHandle]types.TaskDescription
	failNext     error
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{
		launched:     make(map[types.TaskHandle]bool),
		stopped:      make(map[types.TaskHandle]bool),
		descriptions: make(map[types.TaskHandle]types.TaskDescription),
	}
}

// FailNextLaunch makes the next Launch call return err instead of succeeding.
func (f *Fake) FailNextLaunch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

// Launch records a launch and returns a deterministic handle.
func (f *Fake) Launch(_ context.Context, id string, profile types.ModuleProfile, _ int, _ map[string]string, _ types.Placement, _ string) (types.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return "", err
	}
	handle := types.TaskHandle(fmt.Sprintf("%s-%s", profile.Name, id))
	f.launched[handle] = true
	f.descriptions[handle] = types.TaskDescription{Lifecycle: types.TaskRunning}
	return handle, nil
}

// SetDescription lets a test script what Describe should report for handle.
func (f *Fake) SetDescription(handle types.TaskHandle, desc types.TaskDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descriptions[handle] = desc
}

// Describe returns the scripted description for handle, or TaskPending if none was set.
func (f *Fake) Describe(_ context.Context, handle types.TaskHandle) (types.TaskDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.descriptions[handle]; ok {
		return d, nil
	}
	return types.TaskDescription{Lifecycle: types.TaskPending}, nil
}

// Stop records that handle was asked to stop.
func (f *Fake) Stop(_ context.Context, handle types.TaskHandle, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[handle] = true
	return nil
}

// WasStopped reports whether Stop was called for handle.
func (f *Fake) WasStopped(handle types.TaskHandle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[handle]
}
