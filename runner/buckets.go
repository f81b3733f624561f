package runner

// histogram buckets are in seconds
var defaultHistogramBuckets = []float64{
	0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 60,
	300, 600, 1800, 3600, 10800, 21600, 43200, 86400,
}

var customBuckets = map[string][]float64{
	"jobgate_admit_time": {
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	},
}
