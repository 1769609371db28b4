package engine

import "github.com/harrison/aibuddy/internal/models"

// Observer receives progress snapshots and discrete events from an Engine.
// Calls are synchronous and arrive in the order of the mutations that
// produced them. From inside a callback only Progress may be called, plus
// Cancel while the run is executing.
type Observer interface {
	OnProgress(progress models.ImplementationProgress)
	OnEvent(event models.ImplementationEvent)
}

// ObserverFunc adapts an event callback to Observer; progress is ignored.
type ObserverFunc func(event models.ImplementationEvent)

// OnProgress implements Observer.
func (f ObserverFunc) OnProgress(models.ImplementationProgress) {}

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(event models.ImplementationEvent) {
	if f != nil {
		f(event)
	}
}
