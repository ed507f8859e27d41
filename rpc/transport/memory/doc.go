// Package memory provides in-process channel pairs. Delivery is asynchronous
// and ordered through a lock-free queue per direction, so a sender never
// blocks on a slow receiver. Send failures can be injected to exercise error
// paths of the layers above.
package memory
