/*
 * Package subject controls the proxy-under-test of the scenarios.
 * Two implementations are provided: Proxy, an in-process reference proxy used for the
 * end-to-end runs, and Process, which drives an external proxy through shell commands.
 */
package subject

// Subject is the proxy-under-test, owned by the scenario which is the only component
// allowed to stop it
type Subject interface {
	// Start configures and launches the subject, returning once it accepts connections
	Start(configText string) error
	// Stop terminates the subject closing every connection it holds
	Stop() error
	// Running returns true while the subject is accepting connections
	Running() bool
}

var _ Subject = &Proxy{}
var _ Subject = &Process{}
