// Package scraper turns a configured source into a lazy stream of raw
// listing entries. Each variant knows one pagination shape; page fetching,
// robots checks, compliance gating, and fragment parsing are shared.
package scraper
