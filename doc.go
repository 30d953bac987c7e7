// Package refstream is a bibliographic reference harvesting platform.
//
// RefStream tracks entities (researchers identified by external identifiers
// such as ORCID or HAL-id), harvests their publication records from
// heterogeneous external catalogs, normalizes them into a common versioned
// reference format, and emits change events (created, updated, deleted,
// unchanged) as the record evolves across harvesting runs.
//
// # Architecture
//
// Inbound harvesting requests arrive on a NATS JetStream subject and flow
// through a bounded worker pool:
//
//	broker message -> queue.Consumer -> queue.Pool -> harvest.Orchestrator
//	  -> N x (harvest.Runner -> source.Adapter -> source.Normalizer
//	          -> harvest.DiffEngine -> storage.Gateway)
//	  -> outbound events -> queue.Publisher -> broker
//
// Each harvesting run is a small state machine (idle -> running ->
// completed | failed) that streams adapter output through the diffing
// engine, emitting one event per record as it goes. The diffing engine is
// the only writer of new reference versions and is idempotent under
// at-least-once broker redelivery.
//
// # Packages
//
//   - types: core data model and broker message contracts
//   - storage: transactional gateway over an embedded SQLite store
//   - source: adapter/normalizer interfaces, streaming, content hashing
//   - harvest: diffing engine, harvesting runner, retrieval orchestrator
//   - queue: broker consumer, bounded worker pool, event publisher
//   - natsclient: managed NATS connection with JetStream helpers
//   - errors, retry, metric, config: cross-cutting infrastructure
package refstream
