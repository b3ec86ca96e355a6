package obs

import "github.com/prometheus/client_golang/prometheus"

// buildInfo is a constant 1 labelled with version and commit.
var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Credit core build information.",
	},
	[]string{"version", "commit"},
)

// SetBuildInfo publishes build_info{version, commit} 1.
func SetBuildInfo(version, commit string) {
	buildInfo.WithLabelValues(version, commit).Set(1)
}
