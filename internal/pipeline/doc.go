// Package pipeline defines the domain model and the capabilities shared by the
// release ingestion pipeline: the feed poller, dedup gate, metadata enricher,
// download resolution queue, link health monitor, and snapshot manager.
package pipeline
