// Package sources implements upstream quote fetchers over HTTP. Every
// configured source exposes the same quote endpoint shape; per-source
// grading and timeouts live in configuration, not here.
package sources
