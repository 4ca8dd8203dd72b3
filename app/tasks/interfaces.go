package tasks

// TaskSchedulerInterface is what the API and main need from the scheduler.
//
//	scheduler, err := NewScheduler(factory, statusStore, opts)
//	scheduler.Start()
//	defer scheduler.Stop()
//	id, err := scheduler.TriggerImport(TriggerManual)
type TaskSchedulerInterface interface {
	Start()
	Stop()
	TriggerImport(trigger string) (string, error)
	CancelCurrent() error
	Running() bool
}
