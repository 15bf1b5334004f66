// Package telemetry exposes metrics about the exporter itself.
//
// These are served on a separate, optional listener so that the document
// served by the metrics endpoint stays a faithful copy of the database row.
//
package telemetry
