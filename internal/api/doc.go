// Package api exposes the task service over HTTP with a chi router. Every
// response is a {code, data, message} JSON envelope.
package api
