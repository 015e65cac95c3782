// Package pressure watches heap usage and flushes the image cache when the
// process nears its memory budget.
//
// The monitor polls usage on a ticker. With DriveGC it also runs go-watchdog's
// heap-driven watchdog against the same limit and samples after every
// collection.
package pressure
