package autoscaler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// dayBoundarySchedule fires once at UTC midnight — used only to express
// "has a day boundary passed" as a cron-matchable schedule, the same
// isScheduleDue comparison the teacher's job scheduler
// (internal/controlplane/jobs/scheduler.go) runs against a cron
// expression, repurposed here from "is this job due" to "has the cost-cap
// day rolled over."
var dayBoundarySchedule, _ = cron.ParseStandard("0 0 * * *")

// isSameUTCDay reports whether `now` is still within one day-boundary
// schedule fire of `start`: false once the schedule's next tick after
// `start` has passed.
func isSameUTCDay(start, now time.Time) bool {
	next := dayBoundarySchedule.Next(start.UTC())
	return !now.UTC().After(next)
}
