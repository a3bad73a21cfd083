// Package pipeline defines the types shared by the ingestion, feature, training
// and serving subsystems: source descriptors, raw and normalized content,
// feature configuration, training jobs and the typed errors each stage returns.
package pipeline
