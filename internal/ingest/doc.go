// Package ingest defines the core types and collaborator interfaces shared
// across the listing ingestion pipeline: raw entries, canonical records,
// sources, runs, and the store/fetcher/scraper contracts the worker wires
// together.
package ingest
