package metrics

import "time"

type NoopRecorder struct{}

func (NoopRecorder) IncTransition(string, string, string)                     {}
func (NoopRecorder) ObserveGatewayCall(string, string, string, time.Duration) {}
