package types

// LifecycleManager is implemented by every component the service
// orchestrates. Start and Stop are not reentrant; callers serialize
// them through the component's state machine.
type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}
