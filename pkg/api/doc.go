// Package api contains the shared types of the fluxhist history pipeline:
// the runtime activity events, the HistoricActivityInstance row, history
// levels, error kinds and the executor Observer.
//
// Most users interact with the fluxhist package, which re-exports selected
// types and helpers from this package. The api package is intended for
// custom integrations, such as alternative stores or observers.
//
// # Events and rows
//
// A runtime engine describes activity lifecycle changes with ActivityEvent.
// Start events become unfinished HistoricActivityInstance rows; end and
// delete events complete them. Events are correlated by their
// CorrelationKey, the execution id plus the activity id.
//
// # Errors
//
// Query composition mistakes are reported as *ValidationError and match
// ErrValidation with errors.Is. Store implementations mark failures that
// must not be retried with Permanent.
//
// # Observability
//
// Observer receives history job lifecycle callbacks from the executor.
// LoggingObserver, BasicMetrics and CompositeObserver are ready-made
// implementations.
package api
