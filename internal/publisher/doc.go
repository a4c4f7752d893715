// Package publisher groups the archive.Publisher implementations used to
// announce terminal job events: Google Cloud Pub/Sub, NATS, and an in-memory
// recorder for tests and single-process deployments.
package publisher
