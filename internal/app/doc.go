// Package app wires the scheduler process, the API process and the
// one-shot commands from configuration.
package app
