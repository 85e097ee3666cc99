package types

import "errors"

// Failure classes of the harness. Filesystem failures travel as wrapped os
// errors, and the unknown-topic outcome keeps the broker client's own error
// value, so neither is redeclared here.
var (
	// ErrProcessStart marks a coordination or broker process that failed
	// to become ready. Fatal, aborts the run.
	ErrProcessStart = errors.New("process start failed")

	// ErrTopicCreate marks a topic creation the broker did not acknowledge.
	ErrTopicCreate = errors.New("topic creation failed")

	// ErrTeardown marks an aggregated shutdown failure. Every teardown step
	// is still attempted; this reports their combined outcome once.
	ErrTeardown = errors.New("teardown failed")
)
