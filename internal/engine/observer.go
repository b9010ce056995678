package engine

import "github.com/seantiz/mequeue/internal/model"

// Observer is notified of executor activity. Methods are called synchronously
// from the executor loop, so implementations must return quickly. Runs passed
// to an Observer are copies and may be retained.
type Observer interface {
	EventAccepted(a model.Accepted)
	RunStarted(r *model.Run)
	RunFinished(r *model.Run)
}

type multiObserver []Observer

// Observers combines several observers into one that notifies each in order.
// Nil entries are skipped.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multiObserver) EventAccepted(a model.Accepted) {
	for _, o := range m {
		o.EventAccepted(a)
	}
}

func (m multiObserver) RunStarted(r *model.Run) {
	for _, o := range m {
		o.RunStarted(r)
	}
}

func (m multiObserver) RunFinished(r *model.Run) {
	for _, o := range m {
		o.RunFinished(r)
	}
}

type nopObserver struct{}

func (nopObserver) EventAccepted(model.Accepted) {}
func (nopObserver) RunStarted(*model.Run)        {}
func (nopObserver) RunFinished(*model.Run)       {}
