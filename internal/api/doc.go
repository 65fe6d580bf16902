// Package api exposes proof generation, verification, anchoring, constraint
// management, verification requests and pipeline jobs over HTTP using chi.
package api
