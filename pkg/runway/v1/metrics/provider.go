package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider gives access to the registry holding engine metrics so an
// embedding program can expose them however it likes.
type RegistryProvider interface {
	Registry() *prometheus.Registry
}
