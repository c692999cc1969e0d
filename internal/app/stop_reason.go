package app

type StopReason string

const (
	StopSignal         StopReason = "signal"
	StopListenerFatal  StopReason = "listener_fatal"
	StopComponentFatal StopReason = "component_fatal"
)
