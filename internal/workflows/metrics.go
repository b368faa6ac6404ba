package workflows

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/phaseflow/internal/workflows"

type instruments struct {
	started          metric.Int64Counter
	activityDuration metric.Float64Histogram
	activityFailures metric.Int64Counter
}

// meters resolves the instruments on first use, after telemetry has
// installed the global meter provider. Creation errors leave a no-op
// instrument in place.
var meters = sync.OnceValue(func() instruments {
	m := otel.Meter(instrumentationName)
	var in instruments
	in.started, _ = m.Int64Counter("phaseflow.workflows.task.started",
		metric.WithDescription("Task workflows started, by task kind"),
		metric.WithUnit("{workflow}"))
	in.activityDuration, _ = m.Float64Histogram("phaseflow.workflows.activity.duration",
		metric.WithDescription("Task activity run time, by task kind"),
		metric.WithUnit("s"))
	in.activityFailures, _ = m.Int64Counter("phaseflow.workflows.activity.failures",
		metric.WithDescription("Task activities whose executor returned an error, by task kind"),
		metric.WithUnit("{activity}"))
	return in
})
