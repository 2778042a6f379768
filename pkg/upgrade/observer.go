package upgrade

// Report is a snapshot of one session, delivered on every transition and
// every retry.
type Report struct {
	Device string
	State  State
	// Phase is the last active protocol phase. After a terminal failure it
	// says how far the upgrade got.
	Phase     State
	Percent   int
	Retry     int
	Abandoned bool
	Err       error
}

// Observer receives progress reports. Sessions call it from their own
// goroutine, so one observer shared by several sessions must be safe for
// concurrent use.
type Observer interface {
	OnProgress(Report)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Report)

func (f ObserverFunc) OnProgress(r Report) { f(r) }

// MultiObserver fans a report out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnProgress(r Report) {
	for _, o := range m {
		if o != nil {
			o.OnProgress(r)
		}
	}
}

type nopObserver struct{}

func (nopObserver) OnProgress(Report) {}
