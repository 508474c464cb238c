// Package monitor provides the business boundary for guardian's risk pipeline.
// It defines the Service (ingestion, sweeps, alert lifecycle), the Intake
// processor, the Aggregator (rolling per-contact risk), the cooldown Gate,
// the AlertManager, the Store interface (persistence) and domain models.
package monitor
