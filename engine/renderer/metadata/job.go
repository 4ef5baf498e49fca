package metadata

// JobTask is a unit of work for the job system.
type JobTask struct {
	Name string
	// Run is invoked on a worker goroutine. Required.
	Run func() error
	// OnComplete runs after a successful Run. Optional.
	OnComplete func()
	// OnFailure receives the error returned by Run. Optional.
	OnFailure func(err error)
	// OnCompletionCallback always runs last, whatever the outcome. Optional.
	OnCompletionCallback func()
}
