package metric

// Tag keys used across coordinator metrics.
const (
	TagEnv      = "env"
	TagService  = "service"
	TagWorker   = "worker"
	TagWorkflow = "workflow_type"
	TagState    = "state"
	TagStatus   = "status"
	TagStrategy = "strategy"
	TagCategory = "category"
	TagResult   = "result"
)

// TagAsString renders a key:value statsd tag.
func TagAsString(key, value string) string {
	return key + ":" + value
}
