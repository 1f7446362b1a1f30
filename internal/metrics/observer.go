package metrics

type HubObserver interface {
	IncOnline()
	DecOnline()
	RecordPush()
	UpdateEventLag(lag int)
}

// EvalObserver counts flag evaluations by the precedence layer that won.
type EvalObserver interface {
	RecordEvaluation(source string, enabled bool)
}
