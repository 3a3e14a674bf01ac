// Package scheduler keeps the set of jobs that carry a recurring cron trigger.
//
// The registry only fires triggers. Each tick calls the TickFunc it was built
// with (the same path as a manual run request); errors from that call are
// reported and never disable later ticks.
package scheduler
