// Package config loads the bioproofd JSON configuration and fills in the
// adjustment, anchoring and verification policy defaults.
package config
