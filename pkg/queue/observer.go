package queue

import "github.com/psantana5/vidhook/pkg/models"

// Observer receives scheduler events in mutation order. Callbacks may call
// back into the scheduler. Events are delivered by one goroutine at a time:
// a mutation made while another goroutine is delivering returns before its
// events reach observers, and the active deliverer hands them on after the
// callback in progress returns.
type Observer interface {
	OnStatus(status models.QueueStatus)
	OnResult(result models.AnalysisResult)
	OnRateLimit(info models.RateLimitInfo)
	OnItemStatus(id string, status models.ResultStatus)
}

// ObserverFuncs adapts a set of optional functions to Observer
type ObserverFuncs struct {
	Status     func(models.QueueStatus)
	Result     func(models.AnalysisResult)
	RateLimit  func(models.RateLimitInfo)
	ItemStatus func(id string, status models.ResultStatus)
}

func (o ObserverFuncs) OnStatus(status models.QueueStatus) {
	if o.Status != nil {
		o.Status(status)
	}
}

func (o ObserverFuncs) OnResult(result models.AnalysisResult) {
	if o.Result != nil {
		o.Result(result)
	}
}

func (o ObserverFuncs) OnRateLimit(info models.RateLimitInfo) {
	if o.RateLimit != nil {
		o.RateLimit(info)
	}
}

func (o ObserverFuncs) OnItemStatus(id string, status models.ResultStatus) {
	if o.ItemStatus != nil {
		o.ItemStatus(id, status)
	}
}
