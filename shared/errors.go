package shared

import "errors"

var (
	ErrFailed                        = errors.New("failed")
	ErrImpossibleValidationRequested = errors.New("validation is impossible as requested")
	ErrConfigurationValidationFailed = errors.New("configuration values did not pass validation")
	ErrNoCaptureInterface            = errors.New("could not determine the capture interface")
	ErrCaptureUnsupported            = errors.New("live capture is not supported on this platform")
	ErrCaptureAlreadyStarted         = errors.New("capture source already started")
	ErrAnalyzerAlreadyStarted        = errors.New("analyzer already started")
	ErrAnalyzerNotStarted            = errors.New("analyzer was not started")
	ErrBackendNotStarted             = errors.New("backend not started")
	ErrSubjectNotRunning             = errors.New("subject-under-test is not running")
	ErrSubjectAlreadyRunning         = errors.New("subject-under-test is already running")

	// ErrSubjectStartFailure the subject-under-test did not reach a ready state
	ErrSubjectStartFailure = errors.New("subject-under-test failed to start")
	// ErrChainMismatch a response (or its absence) did not match the declared expectation
	ErrChainMismatch = errors.New("chain response did not match expectation")
	// ErrConnectionLost the shared client connection was closed unexpectedly by the peer
	ErrConnectionLost = errors.New("client connection lost")
	// ErrConnectionUnavailable a chain could not run because the client connection was already gone
	ErrConnectionUnavailable = errors.New("connection unavailable")
	// ErrCloseSequenceMismatch the observed teardown contained a reset or missed acknowledgments
	ErrCloseSequenceMismatch = errors.New("incorrect close sequence")
	// ErrTeardownTimeout a teardown step did not complete in time
	ErrTeardownTimeout = errors.New("teardown step timed out")
	// ErrScenarioNotFound the requested scenario is not defined
	ErrScenarioNotFound = errors.New("scenario not found")
	// ErrScenarioRunning the scenario is already being executed
	ErrScenarioRunning = errors.New("scenario already running")
	// ErrInvalidScenario a scenario definition is not valid
	ErrInvalidScenario = errors.New("invalid scenario definition")
	// ErrInvalidSubjectConfig the configuration text of the subject-under-test is not valid
	ErrInvalidSubjectConfig = errors.New("invalid subject configuration")
	// ErrInvalidTemplate an http message template could not be parsed
	ErrInvalidTemplate = errors.New("http message template is malformed")
)
