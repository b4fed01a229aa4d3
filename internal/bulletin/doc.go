// Package bulletin defines the core types and interfaces shared by the
// discovery, extraction, mapping, and persistence stages of the ingestion
// pipeline.
package bulletin
